// Package config loads osarchiver's INI configuration file and binds it
// into the typed Config structures the source, destination and archiver
// packages take, per spec.md §4.F and §6.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is a fully parsed, interpolated osarchiver configuration file.
type Config struct {
	Archivers []ArchiverConfig
}

// ArchiverConfig is one [archiver:name] section plus its bound src/dst
// sections. spec.md §6 defines src and dst as list-valued keys: one or
// more src:<name> sections, and zero or more dst:<name> sections each
// carrying a type field that selects whether it binds into DBs or Files.
type ArchiverConfig struct {
	Name        string
	Enable      bool
	ArchiveData bool
	DeleteData  bool

	Srcs  []SourceSection
	DBs   []DBDestSection
	Files []FileDestSection
}

// SourceSection binds an [src:*] section.
type SourceSection struct {
	Host              string
	Port              int
	User              string
	Password          string
	Databases         string
	Tables            string
	ExcludedDatabases string
	ExcludedTables    string
	DeletedColumn     string
	Where             string
	SelectLimit       int
	DeleteLimit       int
	DeleteLoopDelay   time.Duration
	MaxRetries        int
	RetryTimeLimit    time.Duration
}

// DBDestSection binds a [dst:*] section with type = db.
type DBDestSection struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBSuffix       string
	TableSuffix    string
	BulkInsert     int
	MaxRetries     int
	RetryTimeLimit time.Duration
}

// FileDestSection binds a [dst:*] section with type = file. Formats is a
// list: spec.md §4.D lets one file destination write csv and/or sql, each
// to its own file per table.
type FileDestSection struct {
	Directory     string
	Formats       []string
	ArchiveFormat string
}

// interpolationPattern matches ${section:key} cross-section references, the
// one syntax from Python's configparser.ExtendedInterpolation that no
// library in the retrieval pack implements. The reference is split at its
// last colon, so section names that contain colons (src:shop) resolve too.
var interpolationPattern = regexp.MustCompile(`\$\{([^}]+):([^:}]+)\}`)

// Load reads and interpolates path, returning the bound archiver configs.
// now is substituted into every {now} token exactly once, at load time, so
// all sections of a single run agree on the value.
func Load(path string, now time.Time) (*Config, error) {
	raw, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	nowStr := now.UTC().Format("2006-01-02 15:04:05")
	flat := flatten(raw)
	resolved := interpolate(flat, nowStr)

	var archivers []ArchiverConfig
	for _, section := range raw.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, "archiver:") {
			continue
		}
		archiverName := strings.TrimPrefix(name, "archiver:")
		ac, err := bindArchiver(archiverName, name, resolved)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
		archivers = append(archivers, ac)
	}

	return &Config{Archivers: archivers}, nil
}

// flatten builds a section -> key -> raw-value map mirroring the file,
// the shape the interpolation pass and the section binders both need.
func flatten(f *ini.File) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, s := range f.Sections() {
		kv := make(map[string]string, len(s.Keys()))
		for _, k := range s.Keys() {
			kv[k.Name()] = k.Value()
		}
		out[s.Name()] = kv
	}
	return out
}

// interpolate resolves every ${section:key} and {now} reference across the
// flattened config. It iterates to a fixed point (bounded by the number of
// keys) so chained references resolve regardless of section order in the
// file, then substitutes {now} last so a referenced value can itself
// contain {now}.
func interpolate(flat map[string]map[string]string, nowStr string) map[string]map[string]string {
	maxPasses := 0
	for _, kv := range flat {
		maxPasses += len(kv)
	}
	if maxPasses == 0 {
		maxPasses = 1
	}

	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for section, kv := range flat {
			for key, value := range kv {
				resolvedValue := interpolationPattern.ReplaceAllStringFunc(value, func(m string) string {
					groups := interpolationPattern.FindStringSubmatch(m)
					refSection, refKey := groups[1], groups[2]
					if refKV, ok := flat[refSection]; ok {
						if v, ok := refKV[refKey]; ok {
							return v
						}
					}
					return m
				})
				if resolvedValue != value {
					flat[section][key] = resolvedValue
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}

	for _, kv := range flat {
		for key, value := range kv {
			kv[key] = strings.ReplaceAll(value, "{now}", nowStr)
		}
	}
	return flat
}

// listPattern splits a list-valued config key on comma, semicolon or
// newline, mirroring source's own list-valued keys (databases, tables).
var listPattern = regexp.MustCompile(`[,;\n]`)

func splitList(v string) []string {
	var out []string
	for _, part := range listPattern.Split(v, -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func bindArchiver(archiverName, sectionName string, flat map[string]map[string]string) (ArchiverConfig, error) {
	kv := flat[sectionName]
	ac := ArchiverConfig{
		Name:        archiverName,
		Enable:      boolOr(kv["enable"], true),
		ArchiveData: boolOr(kv["archive_data"], false),
		DeleteData:  boolOr(kv["delete_data"], false),
	}

	srcRefs := splitList(kv["src"])
	if len(srcRefs) == 0 {
		return ac, fmt.Errorf("missing 'src' reference")
	}
	for _, srcRef := range srcRefs {
		srcKV, ok := flat["src:"+srcRef]
		if !ok {
			return ac, fmt.Errorf("referenced src:%s section not found", srcRef)
		}
		ac.Srcs = append(ac.Srcs, bindSource(srcKV))
	}

	for _, dstRef := range splitList(kv["dst"]) {
		dstKV, ok := flat["dst:"+dstRef]
		if !ok {
			return ac, fmt.Errorf("referenced dst:%s section not found", dstRef)
		}
		switch dstKV["type"] {
		case "file":
			ac.Files = append(ac.Files, bindFileDest(dstKV))
		case "db", "":
			ac.DBs = append(ac.DBs, bindDBDest(dstKV))
		default:
			return ac, fmt.Errorf("dst:%s has unknown type %q (want db or file)", dstRef, dstKV["type"])
		}
	}

	return ac, nil
}

func bindSource(kv map[string]string) SourceSection {
	return SourceSection{
		Host:              kv["host"],
		Port:              intOr(kv["port"], 3306),
		User:              kv["user"],
		Password:          kv["password"],
		Databases:         orStar(kv["databases"]),
		Tables:            orStar(kv["tables"]),
		ExcludedDatabases: kv["excluded_databases"],
		ExcludedTables:    kv["excluded_tables"],
		DeletedColumn:     orDefault(kv["deleted_column"], "deleted"),
		Where:             orDefault(kv["where"], "1=1"),
		SelectLimit:       intOr(kv["select_limit"], 1000),
		DeleteLimit:       intOr(kv["delete_limit"], 1000),
		DeleteLoopDelay:   durationSecondsOr(kv["delete_loop_delay"], 0),
		MaxRetries:        intOr(kv["max_retries"], 5),
		RetryTimeLimit:    durationSecondsOr(kv["retry_time_limit"], 2),
	}
}

func bindDBDest(kv map[string]string) DBDestSection {
	return DBDestSection{
		Host:           kv["host"],
		Port:           intOr(kv["port"], 3306),
		User:           kv["user"],
		Password:       kv["password"],
		DBSuffix:       kv["db_suffix"],
		TableSuffix:    kv["table_suffix"],
		BulkInsert:     intOr(kv["bulk_insert"], 1000),
		MaxRetries:     intOr(kv["max_retries"], 5),
		RetryTimeLimit: durationSecondsOr(kv["retry_time_limit"], 2),
	}
}

func bindFileDest(kv map[string]string) FileDestSection {
	formats := splitList(kv["formats"])
	if len(formats) == 0 {
		formats = splitList(orDefault(kv["format"], "csv"))
	}
	return FileDestSection{
		Directory:     orDefault(kv["directory"], "/tmp/osarchiver/{date}"),
		Formats:       formats,
		ArchiveFormat: kv["archive_format"],
	}
}

func boolOr(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intOr(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationSecondsOr(v string, defSeconds int) time.Duration {
	if v == "" {
		return time.Duration(defSeconds) * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return time.Duration(defSeconds) * time.Second
	}
	return time.Duration(n) * time.Second
}

func orStar(v string) string {
	if v == "" {
		return "*"
	}
	return v
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
