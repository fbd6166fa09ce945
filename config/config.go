// Package config defines the on-disk/CLI configuration surface for the
// cmd/elfrun and cmd/elfaot binaries: a Config struct loadable from an
// optional TOML file and then overridden by CLI flags, in
// defaults -> file -> flags precedence.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// tomlSettings uses struct field
// names verbatim as TOML keys (NormFieldName/FieldToKey are
// identity functions); an unrecognised key is a hard error rather
// than silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
}

// Config is the full set of knobs cmd/elfrun and cmd/elfaot share. Not
// every field applies to both binaries (Concurrency is elfaot-only,
// FSRoot/AOT are elfrun-only); both binaries decode the same struct so
// a single TOML file can configure either.
type Config struct {
	// FSRoot jails every guest syscall path lookup, passed straight to
	// ukernel.NewTask.
	FSRoot string
	// CacheDir holds the profile file and, when AOT is enabled, the
	// compiled .aot.so/.aot.so.buildid pair and the persistent region
	// cache (core/aot.Cache), keyed by guest ELF checksum.
	CacheDir string
	// AOT enables elfrun's loading of an ahead-of-time compiled shared
	// object for the guest ELF's recorded profile. elfaot does not read
	// it; it always produces the object.
	AOT bool
	// ZeroMMUBase matches core/arena.Reserve's same-named flag: guest
	// pointers are host pointers directly rather than offset by a
	// separate membase register.
	ZeroMMUBase bool
	// Concurrency bounds how many AOT regions compile at once
	// (core/aot.Options.Concurrency); 0 picks that package's own default.
	Concurrency int
}

// Default returns the zero-knobs starting point every CLI flag default
// is drawn from.
func Default() Config {
	return Config{
		FSRoot:   ".",
		CacheDir: ".elfrun-cache",
	}
}

// Load decodes a TOML file into cfg. A *toml.LineError gets the file
// name prefixed so a syntax error in the config file names the file it
// came from.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

// Validate rejects a config with an empty fsroot or cache directory
// before elfrun commits to reserving a guest address space. Default
// supplies both, so only a TOML file or flag that sets one to "" fails.
func (c Config) Validate() error {
	if c.FSRoot == "" {
		return fmt.Errorf("config: fsroot must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache directory must not be empty")
	}
	return nil
}
