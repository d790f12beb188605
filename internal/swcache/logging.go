package swcache

import (
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
)

// InitLogger installs the text handler on w at the given level
// ("debug", "info", "warn", "error", "fatal").
func InitLogger(w io.Writer, level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	log.SetHandler(text.New(w))
	log.SetLevel(lvl)
	return nil
}
