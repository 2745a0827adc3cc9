package service

import (
	"context"

	"github.com/treykane/sshgate/internal/bundle"
	"github.com/treykane/sshgate/internal/model"
)

// BundleResult is the outcome of starting one member of a bundle. When the
// member needs a password or host-key decision, Connection carries it.
type BundleResult struct {
	ConfigID   string                  `json:"configId"`
	Name       string                  `json:"name"`
	Tunnel     *model.ActiveTunnelInfo `json:"tunnel,omitempty"`
	Connection *model.ConnectionResult `json:"connection,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func (s *Service) bundleStore() (*bundle.Store, error) {
	if s.bundles == nil {
		return nil, model.Errorf(model.KindSystem, "bundles", "bundle store is not configured")
	}
	return s.bundles, nil
}

func (s *Service) ListBundles() ([]bundle.Definition, error) {
	b, err := s.bundleStore()
	if err != nil {
		return nil, err
	}
	return b.List()
}

func (s *Service) SaveBundle(def bundle.Definition) (bundle.Definition, error) {
	b, err := s.bundleStore()
	if err != nil {
		return bundle.Definition{}, err
	}
	saved, err := s.saved.List()
	if err != nil {
		return bundle.Definition{}, err
	}
	if _, err := bundle.Resolve(def, saved); err != nil {
		return bundle.Definition{}, err
	}
	return b.Save(def)
}

func (s *Service) DeleteBundle(name string) error {
	b, err := s.bundleStore()
	if err != nil {
		return err
	}
	return b.Delete(name)
}

// StartBundle starts every saved tunnel of the bundle with stored
// credentials. A failing member does not stop the others.
func (s *Service) StartBundle(ctx context.Context, name string) ([]BundleResult, error) {
	b, err := s.bundleStore()
	if err != nil {
		return nil, err
	}
	def, err := b.Get(name)
	if err != nil {
		return nil, err
	}
	saved, err := s.saved.List()
	if err != nil {
		return nil, err
	}
	members, err := bundle.Resolve(def, saved)
	if err != nil {
		return nil, err
	}
	out := make([]BundleResult, 0, len(members))
	for _, cfg := range members {
		res := BundleResult{ConfigID: cfg.ID, Name: cfg.Name}
		info, err := s.StartTunnelFromConfig(ctx, cfg.ID, StartFromConfigOptions{})
		if err == nil {
			res.Tunnel = &info
		} else if r, ok := Decision(err); ok {
			res.Connection = &r
		} else {
			res.Error = s.UserMessage(err)
		}
		out = append(out, res)
	}
	return out, nil
}
