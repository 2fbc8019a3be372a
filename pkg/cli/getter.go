package cli

import (
	modelget "github.com/modelget/modelget/pkg"
	"github.com/modelget/modelget/pkg/client"
	"github.com/modelget/modelget/pkg/config"
)

// NewGetter builds a Getter from the current flags, environment and config
// file. The caller closes its registry when done.
func NewGetter() (*modelget.Getter, error) {
	clientCfg, err := config.ClientConfig()
	if err != nil {
		return nil, err
	}
	opts, err := config.DownloadOptions()
	if err != nil {
		return nil, err
	}
	return &modelget.Getter{
		Registry:   client.NewRegistry(clientCfg),
		Options:    opts,
		MaxWorkers: config.MaxWorkers(),
	}, nil
}
