// Package classification resolves tenant classification codes into compiled
// field schemas and validates asset attributes against them.
package classification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/pkg/validator"
)

// ErrClassificationNotFound is returned when a tenant has no classification with the requested code.
var ErrClassificationNotFound = errors.New("classification not found")

type key struct {
	tenantID uuid.UUID
	code     string
}

// snapshot is immutable once published.
type snapshot struct {
	entries map[key]domain.Classification
}

// Registry holds the resolved classifications of every tenant. Lookups read an
// atomically published snapshot and never block on Refresh.
type Registry struct {
	repo      repository.ClassificationRepository
	validator *validator.JSONBValidator
	current   atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry backed by repo.
func NewRegistry(repo repository.ClassificationRepository) *Registry {
	r := &Registry{
		repo:      repo,
		validator: validator.NewJSONBValidator(),
	}
	r.current.Store(&snapshot{entries: map[key]domain.Classification{}})
	return r
}

// Refresh reloads every classification from the repository and swaps the snapshot.
// Entries with a broken parent chain or an invalid schema are skipped and logged.
func (r *Registry) Refresh(ctx context.Context) error {
	classifications, err := r.repo.List(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "load classifications")
	}
	next, problems := build(classifications)
	for _, problem := range problems {
		logrus.WithError(problem).Warn("skipping classification")
	}
	r.current.Store(next)
	logrus.WithField("classifications", len(next.entries)).Debug("classification registry refreshed")
	return nil
}

// Resolve returns the classification with its parent chain merged into Schema.
func (r *Registry) Resolve(tenantID uuid.UUID, code string) (domain.Classification, error) {
	entry, ok := r.current.Load().entries[key{tenantID: tenantID, code: strings.TrimSpace(code)}]
	if !ok {
		return domain.Classification{}, errors.Wrapf(ErrClassificationNotFound, "code %q", code)
	}
	return entry, nil
}

// ValidateFields checks values against the resolved schema of code.
func (r *Registry) ValidateFields(tenantID uuid.UUID, code string, values map[string]any) validator.Result {
	entry, err := r.Resolve(tenantID, code)
	if err != nil {
		return validator.Invalid(fmt.Sprintf("Unknown classification code: %s", strings.TrimSpace(code)))
	}
	return r.validator.ValidateFields(entry.Schema, values)
}

// Codes lists the codes known for a tenant in sorted order.
func (r *Registry) Codes(tenantID uuid.UUID) []string {
	var codes []string
	for k := range r.current.Load().entries {
		if k.tenantID == tenantID {
			codes = append(codes, k.code)
		}
	}
	sort.Strings(codes)
	return codes
}

func build(classifications []domain.Classification) (*snapshot, []error) {
	raw := make(map[key]domain.Classification, len(classifications))
	for _, c := range classifications {
		raw[key{tenantID: c.TenantID, code: c.Code}] = c
	}

	next := &snapshot{entries: make(map[key]domain.Classification, len(raw))}
	var problems []error
	for k, c := range raw {
		chain, err := parentChain(raw, k)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		schema := validator.FieldSchema{}
		for _, ancestor := range chain {
			schema = validator.Merge(schema, ancestor.Schema)
		}
		if err := schema.Compile(); err != nil {
			problems = append(problems, errors.Wrapf(err, "classification %s", c.Code))
			continue
		}
		c.Schema = schema
		next.entries[k] = c
	}
	return next, problems
}

// parentChain returns the ancestors of k root-first, ending with k itself.
func parentChain(raw map[key]domain.Classification, k key) ([]domain.Classification, error) {
	var chain []domain.Classification
	visited := map[string]bool{}
	current := k
	for {
		if visited[current.code] {
			return nil, errors.Errorf("classification %s: parent cycle through %s", k.code, current.code)
		}
		visited[current.code] = true
		c, ok := raw[current]
		if !ok {
			return nil, errors.Errorf("classification %s: unknown parent %s", k.code, current.code)
		}
		chain = append(chain, c)
		if c.ParentCode == nil || strings.TrimSpace(*c.ParentCode) == "" {
			break
		}
		current = key{tenantID: k.tenantID, code: strings.TrimSpace(*c.ParentCode)}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
