// Command mvstore inspects and maintains store files.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v2"

	"github.com/hupe1980/mvstore"
)

var (
	baseCfg = new(struct {
		Settings string `long:"settings" short:"s" description:"YAML file of store settings, e.g. CACHE_SIZE: 16384"`
		LogLevel string `long:"log-level" default:"warn" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	})

	parser = flags.NewParser(baseCfg, flags.Default)

	// stdout is swapped by tests.
	stdout io.Writer = os.Stdout
)

// fileArg is the positional store file argument shared by all commands.
type fileArg struct {
	File struct {
		Path string `positional-arg-name:"FILE" required:"true" description:"Path of the store file"`
	} `positional-args:"yes"`
}

func logger() *mvstore.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(baseCfg.LogLevel)); err != nil {
		level = slog.LevelWarn
	}
	return mvstore.NewTextLogger(level)
}

// loadSettings reads the settings file, if any, into a Config.
func loadSettings(path string) (mvstore.Config, error) {
	settings := map[string]string{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return mvstore.Config{}, err
		}
		if err = yaml.UnmarshalStrict(b, &settings); err != nil {
			// `yaml` produces nicely formatted error messages that are best printed as-is.
			_, _ = os.Stderr.WriteString(err.Error() + "\n")
			return mvstore.Config{}, errors.New("YAML decode failed")
		}
	}
	return mvstore.ConfigFromSettings(settings)
}

// openReadOnly opens file read-only with the configured settings.
func openReadOnly(file string) (*mvstore.Store, error) {
	cfg, err := loadSettings(baseCfg.Settings)
	if err != nil {
		return nil, err
	}
	cfg.FileName = file
	cfg.ReadOnly = true
	cfg.AutoCommitDelay = 0
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}
	return mvstore.Open(cfg, mvstore.WithLogger(logger()))
}

func mustAddCmd(name, short, long string, cmd any) {
	if _, err := parser.AddCommand(name, short, long, cmd); err != nil {
		panic(err)
	}
}

func init() {
	mustAddCmd("info", "Print store and chunk statistics", `
Print the header state, fill rates and cache configuration of a store file,
followed by one row per chunk.

The file is opened read-only.
`, &cmdInfo{})
	mustAddCmd("dump", "List maps or dump the entries of one map", `
Without --map, list every map with its id, data types and size. With --map,
print the entries of that map in key order.

Maps whose data types are not built in cannot be opened by this tool; their
size is shown as "?".
`, &cmdDump{})
	mustAddCmd("compact", "Rewrite a store file without unused space", `
Copy the latest version of every map into a new file and replace the store
file with it. The store must not be open in another process.
`, &cmdCompact{})
	mustAddCmd("cleanup", "Finish or discard an interrupted compaction", `
Remove a leftover temporary file of an interrupted compaction, and move a
finished copy into place when the store file itself is missing.
`, &cmdCleanup{})
}

func main() {
	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
