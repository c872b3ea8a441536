package classification

import (
	"context"
	"os"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rpattn/assetimport/internal/domain"
)

// SeedFile is the YAML layout accepted by LoadYAML.
type SeedFile struct {
	Version         int                     `yaml:"version"`
	Classifications []domain.Classification `yaml:"classifications"`
}

// ParseSeedYAML decodes a seed file and checks that every parent chain resolves
// within the file and every schema compiles.
func ParseSeedYAML(b []byte) (SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return SeedFile{}, errors.Wrap(err, "decode classification seed")
	}
	if seed.Version != 1 {
		return SeedFile{}, errors.New("classification seed: unsupported version")
	}
	seen := make(map[string]bool, len(seed.Classifications))
	for _, c := range seed.Classifications {
		if c.Code == "" {
			return SeedFile{}, errors.New("classification seed: entry without code")
		}
		if seen[c.Code] {
			return SeedFile{}, errors.Errorf("classification seed: duplicate code %s", c.Code)
		}
		seen[c.Code] = true
	}
	if _, problems := build(seed.Classifications); len(problems) > 0 {
		return SeedFile{}, errors.Wrap(problems[0], "classification seed")
	}
	return seed, nil
}

// LoadYAML upserts every classification of the seed file for tenantID and refreshes the registry.
func (r *Registry) LoadYAML(ctx context.Context, tenantID uuid.UUID, b []byte) ([]domain.Classification, error) {
	seed, err := ParseSeedYAML(b)
	if err != nil {
		return nil, err
	}
	stored := make([]domain.Classification, 0, len(seed.Classifications))
	for _, c := range seed.Classifications {
		c.TenantID = tenantID
		saved, err := r.repo.Upsert(ctx, c)
		if err != nil {
			return nil, errors.Wrapf(err, "store classification %s", c.Code)
		}
		stored = append(stored, saved)
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

// LoadYAMLFile reads path and passes it to LoadYAML.
func (r *Registry) LoadYAMLFile(ctx context.Context, tenantID uuid.UUID, path string) ([]domain.Classification, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read classification seed")
	}
	return r.LoadYAML(ctx, tenantID, b)
}
