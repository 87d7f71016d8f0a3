package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFKViolation(t *testing.T) {
	msg := "Cannot delete or update a parent row: a foreign key constraint fails " +
		"(`shop`.`order_items`, CONSTRAINT `fk_order` FOREIGN KEY (`order_id`) REFERENCES `orders` (`id`))"

	v, ok := ParseFKViolation(msg)
	require.True(t, ok)
	assert.Equal(t, "shop", v.ChildDB)
	assert.Equal(t, "order_items", v.ChildTable)
	assert.Equal(t, "order_id", v.FKColumn)
	assert.Equal(t, "orders", v.ParentTable)
	assert.Equal(t, "id", v.ParentColumn)
}

func TestParseFKViolation_NoMatch(t *testing.T) {
	_, ok := ParseFKViolation("Error 1064: You have an error in your SQL syntax")
	assert.False(t, ok)
}

func TestErrForeignKeyViolation_Error(t *testing.T) {
	e := &ErrForeignKeyViolation{Raw: "boom"}
	assert.Contains(t, e.Error(), "boom")
}
