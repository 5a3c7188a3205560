package repo

import (
	"fmt"

	"github.com/presto8/bup/config"
)

// RegisterBackends wires this package's concrete Backend
// implementations into reg under their bup.type names, so a config
// file's bup.type selects one without repo.Open needing to know about
// config at all (config has no dependency on repo; callers that parse
// a config file call this once during setup, before Registry.Build).
func RegisterBackends(reg *config.Registry) {
	reg.Register("Local", func(cfg *config.Config) (any, error) {
		dir := cfg.Raw.Key("dir").String()
		if dir == "" {
			return nil, fmt.Errorf("repo: Local backend requires a [Local] dir= setting")
		}
		return NewLocalBackend(dir)
	})
}
