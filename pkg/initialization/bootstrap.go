package initialization

import (
	"fmt"
	"os"

	"github.com/spf13/afero"

	"pageview/pkg/api"
	"pageview/pkg/config"
	"pageview/pkg/formats"
	"pageview/pkg/logger"
	"pageview/pkg/pagecache"
	"pageview/pkg/prefetch"
	"pageview/pkg/reader"
	"pageview/pkg/source"
)

// InitializedComponents holds all the components initialized during bootstrap
type InitializedComponents struct {
	Config   *config.Config
	Registry *formats.Registry
	Store    *pagecache.Store
	Service  *reader.Service
	API      *api.Server
}

// WaitForInputAndExit prints an error and waits for user input before exiting
func WaitForInputAndExit(err error) {
	fmt.Printf("\nCRITICAL ERROR: %v\n", err)
	fmt.Println("\nPress Enter to exit...")
	var input string
	fmt.Scanln(&input)
	os.Exit(1)
}

// Bootstrap wires the page pipeline for cfg on the real filesystem.
func Bootstrap(cfg *config.Config) (*InitializedComponents, error) {
	return BootstrapFs(cfg, afero.NewOsFs())
}

// BootstrapFs is Bootstrap on an arbitrary filesystem.
func BootstrapFs(cfg *config.Config, fsys afero.Fs) (*InitializedComponents, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	// 1. Format registry and opener
	reg := formats.NewRegistry(cfg.ImageExtensions)
	opener := source.NewOpener(reg,
		source.WithFs(fsys),
		source.WithIgnoredDirs(cfg.IgnoredDirs),
		source.WithPDFDefaultHeight(cfg.PDFDefaultHeight),
	)
	logger.Info("Initialized format registry", "extensions", reg.ImageExtensions())

	// 2. Page cache
	root := cfg.CacheRoot()
	if err := fsys.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", root, err)
	}
	store := pagecache.NewStore(fsys, root)
	if removed, err := store.Sweep(); err != nil {
		logger.Warn("Startup cache sweep failed", "root", root, "err", err)
	} else if removed > 0 {
		logger.Info("Removed stale cache directories", "root", root, "count", removed)
	}

	// 3. Reader service and transport
	svc := reader.NewService(opener, store, prefetch.WithSolidBuffer(cfg.SolidBuffer))
	apiServer := api.NewServer(cfg, svc, store)

	return &InitializedComponents{
		Config:   cfg,
		Registry: reg,
		Store:    store,
		Service:  svc,
		API:      apiServer,
	}, nil
}

// Shutdown stops prefetching, removes cached pages and detaches the transport.
func (c *InitializedComponents) Shutdown() {
	c.Service.Shutdown()
	c.API.Close()
}
