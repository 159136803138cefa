// Package wiring builds the concrete clients and stores the commands
// share, from the validated configuration.
package wiring

import (
	"github.com/sealkit/sealctl/cmd/sealctl/internal/config"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/cluster"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/vaultapi"
)

// TransitClient builds the client for the transit instance,
// authenticated with the configured bootstrap token.
func TransitClient(cfg *config.Config) (*vaultapi.Client, error) {
	return vaultapi.NewClient(vaultapi.ClientConfig{
		Address:    cfg.Transit.Addr,
		Token:      cfg.Transit.Token,
		CACert:     cfg.TLS.CACert,
		SkipVerify: cfg.TLS.SkipVerify,
	})
}

// NodeClient builds a client for one main-cluster node.
func NodeClient(cfg *config.Config, addr, token string) (*vaultapi.Client, error) {
	return vaultapi.NewClient(vaultapi.ClientConfig{
		Address:    addr,
		Token:      token,
		CACert:     cfg.TLS.CACert,
		SkipVerify: cfg.TLS.SkipVerify,
	})
}

// NodeFactory adapts NodeClient to the cluster bootstrapper.
func NodeFactory(cfg *config.Config) cluster.ClientFactory {
	return func(addr string) (cluster.NodeAPI, error) {
		return NodeClient(cfg, addr, "")
	}
}

// OpenStore opens the file-backed state store under the configured
// state directory.
func OpenStore(cfg *config.Config) (statestore.Store, error) {
	return statestore.NewFileStore(cfg.StateDir)
}
