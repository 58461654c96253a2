package app

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/opencivic/datafetcher/bundledb/backend"
	"github.com/opencivic/datafetcher/modules/fetcher"
	"github.com/opencivic/datafetcher/modules/kvstore"
)

// Registry resolves data registry ids to recipes. Each entry is one yaml
// file named {id}.yaml in the registry directory.
type Registry struct {
	dir       string
	expandEnv bool
}

func NewRegistry(dir string, expandEnv bool) *Registry {
	return &Registry{dir: dir, expandEnv: expandEnv}
}

// List returns the ids of every recipe in the registry, sorted.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading registry %s", r.dir)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads and builds the recipe for one registry id. Locators get their
// durable state in the given kv store.
func (r *Registry) Load(id string, kv kvstore.Store) (*fetcher.Recipe, error) {
	if id == "" {
		return nil, errors.New("a data registry id is required")
	}

	buf, err := r.read(id)
	if err != nil {
		return nil, err
	}
	if r.expandEnv {
		s, err := envsubst.EvalEnv(string(buf))
		if err != nil {
			return nil, errors.Wrapf(err, "expanding environment in recipe %s", id)
		}
		buf = []byte(s)
	}

	var rf recipeFile
	if err := yaml.UnmarshalStrict(buf, &rf); err != nil {
		return nil, errors.Wrapf(err, "parsing recipe %s", id)
	}
	if rf.RecipeID == "" {
		rf.RecipeID = id
	}
	if rf.RecipeID != id {
		return nil, errors.Errorf("recipe file %s declares mismatching id %s", id, rf.RecipeID)
	}

	return rf.build(kv)
}

func (r *Registry) read(id string) ([]byte, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		buf, err := os.ReadFile(filepath.Join(r.dir, id+ext))
		if err == nil {
			return buf, nil
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "reading recipe %s", id)
		}
	}
	return nil, errors.Errorf("no recipe %s in registry %s", id, r.dir)
}

type recipeFile struct {
	RecipeID string        `yaml:"recipe_id"`
	Loader   loaderSpec    `yaml:"loader"`
	Locators []locatorSpec `yaml:"locators"`
}

type loaderSpec struct {
	Type string                   `yaml:"type"`
	HTTP fetcher.HTTPLoaderConfig `yaml:"http"`
	SFTP fetcher.SFTPLoaderConfig `yaml:"sftp"`
}

const (
	loaderHTTP = "http"
	loaderSFTP = "sftp"

	locatorRequestParameters = "request_parameters"
	locatorSingleHTTP        = "single_http"
	locatorPaginationHTTP    = "pagination_http"
	locatorDirectorySFTP     = "directory_sftp"
	locatorFileSFTP          = "file_sftp"
)

type locatorSpec struct {
	Type       string                           `yaml:"type"`
	Params     *parameterLocatorSpec            `yaml:"params"`
	SingleHTTP *fetcher.SingleHTTPLocatorConfig `yaml:"single_http"`
	Pagination *paginationLocatorSpec           `yaml:"pagination"`
	Directory  *directoryLocatorSpec            `yaml:"directory"`
	File       *fetcher.FileSFTPLocatorConfig   `yaml:"file"`
}

type parameterLocatorSpec struct {
	Name     string        `yaml:"name"`
	Requests []requestSpec `yaml:"requests"`
}

type requestSpec struct {
	URL     string            `yaml:"url"`
	Referer string            `yaml:"referer"`
	Headers map[string]string `yaml:"headers"`
}

type paginationLocatorSpec struct {
	fetcher.PaginationHTTPLocatorConfig `yaml:",inline"`

	Query  fetcher.TemplateQueryBuilder `yaml:"query"`
	Cursor fetcher.BodyCursorStrategy   `yaml:"cursor"`
}

type directoryLocatorSpec struct {
	fetcher.DirectorySFTPLocatorConfig `yaml:",inline"`

	// Filter is an optional regular expression applied to file names after
	// the glob.
	Filter string `yaml:"filter"`
}

func (rf *recipeFile) build(kv kvstore.Store) (*fetcher.Recipe, error) {
	recipe := &fetcher.Recipe{RecipeID: rf.RecipeID}

	switch rf.Loader.Type {
	case loaderHTTP, "":
		recipe.Loader = fetcher.NewHTTPLoader(rf.Loader.HTTP)
	case loaderSFTP:
		recipe.Loader = fetcher.NewSFTPLoader(rf.Loader.SFTP)
	default:
		return nil, errors.Errorf("unknown loader type %q", rf.Loader.Type)
	}

	for i, spec := range rf.Locators {
		loc, err := spec.build(kv)
		if err != nil {
			return nil, errors.Wrapf(err, "locator %d", i)
		}
		recipe.Locators = append(recipe.Locators, loc)
	}

	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	return recipe, nil
}

func (s *locatorSpec) build(kv kvstore.Store) (fetcher.Locator, error) {
	switch s.Type {
	case locatorRequestParameters:
		if s.Params == nil {
			return nil, errors.New("request_parameters locator requires a params block")
		}
		reqs := make([]*backend.RequestMeta, 0, len(s.Params.Requests))
		for _, r := range s.Params.Requests {
			reqs = append(reqs, &backend.RequestMeta{URL: r.URL, Referer: r.Referer, Headers: r.Headers})
		}
		return fetcher.NewRequestParameterLocator(s.Params.Name, reqs)

	case locatorSingleHTTP:
		if s.SingleHTTP == nil {
			return nil, errors.New("single_http locator requires a single_http block")
		}
		return fetcher.NewSingleHTTPLocator(*s.SingleHTTP, kv)

	case locatorPaginationHTTP:
		if s.Pagination == nil {
			return nil, errors.New("pagination_http locator requires a pagination block")
		}
		return fetcher.NewPaginationHTTPLocator(s.Pagination.PaginationHTTPLocatorConfig, s.Pagination.Query, s.Pagination.Cursor, kv)

	case locatorDirectorySFTP:
		if s.Directory == nil {
			return nil, errors.New("directory_sftp locator requires a directory block")
		}
		var filter fetcher.FileFilter
		if s.Directory.Filter != "" {
			f, err := fetcher.NewRegexFileFilter(s.Directory.Filter)
			if err != nil {
				return nil, err
			}
			filter = f
		}
		return fetcher.NewDirectorySFTPLocator(s.Directory.DirectorySFTPLocatorConfig, filter, kv)

	case locatorFileSFTP:
		if s.File == nil {
			return nil, errors.New("file_sftp locator requires a file block")
		}
		return fetcher.NewFileSFTPLocator(*s.File, kv)
	}
	return nil, errors.Errorf("unknown locator type %q", s.Type)
}
