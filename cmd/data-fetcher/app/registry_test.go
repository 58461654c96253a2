package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencivic/datafetcher/modules/fetcher"
	"github.com/opencivic/datafetcher/modules/kvstore"
)

func writeRecipe(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestRegistryLoad(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "civic.yaml", `
loader:
  type: http
  http:
    protocol:
      name: civic
      timeout: 30s
locators:
  - type: single_http
    single_http:
      name: seeds
      urls:
        - https://example.com/a
        - https://example.com/b
  - type: request_parameters
    params:
      name: fixed
      requests:
        - url: https://example.com/c
          referer: https://example.com/
`)

	rec, err := NewRegistry(dir, false).Load("civic", kvstore.NewMemory())
	require.NoError(t, err)

	require.Equal(t, "civic", rec.ID())
	require.IsType(t, &fetcher.HTTPLoader{}, rec.Loader)
	require.Len(t, rec.Locators, 2)
	require.IsType(t, &fetcher.SingleHTTPLocator{}, rec.Locators[0])
	require.Equal(t, "seeds", rec.Locators[0].Name())
	require.IsType(t, &fetcher.RequestParameterLocator{}, rec.Locators[1])
	require.Equal(t, "fixed", rec.Locators[1].Name())
}

func TestRegistryLoadPagination(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "pages.yaml", `
recipe_id: pages
loader:
  type: http
locators:
  - type: pagination_http
    pagination:
      name: walk
      start_date: "2023-01-01"
      end_date: "2023-01-03"
      query:
        template: https://api.example.com/v1?date={date}&cursor={cursor}
      cursor:
        cursor_path: [next_cursor]
        records_path: [results]
`)

	rec, err := NewRegistry(dir, false).Load("pages", kvstore.NewMemory())
	require.NoError(t, err)

	require.Len(t, rec.Locators, 1)
	require.IsType(t, &fetcher.PaginationHTTPLocator{}, rec.Locators[0])
	require.Equal(t, "walk", rec.Locators[0].Name())
}

func TestRegistryLoadSFTP(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "drop.yaml", `
loader:
  type: sftp
  sftp:
    protocol:
      host: sftp.example.com
      username: feed
locators:
  - type: directory_sftp
    directory:
      name: incoming
      directory: /outbox
      glob: "*.csv"
      filter: "^report_"
  - type: file_sftp
    file:
      name: ledger
      paths:
        - /outbox/ledger.csv
`)

	rec, err := NewRegistry(dir, false).Load("drop", kvstore.NewMemory())
	require.NoError(t, err)

	require.IsType(t, &fetcher.SFTPLoader{}, rec.Loader)
	require.Len(t, rec.Locators, 2)
	require.IsType(t, &fetcher.DirectorySFTPLocator{}, rec.Locators[0])
	require.IsType(t, &fetcher.FileSFTPLocator{}, rec.Locators[1])
}

func TestRegistryLoadDefaultsLoaderToHTTP(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "bare.yaml", `
locators:
  - type: single_http
    single_http:
      name: seeds
      urls: ["https://example.com/a"]
`)

	rec, err := NewRegistry(dir, false).Load("bare", kvstore.NewMemory())
	require.NoError(t, err)
	require.IsType(t, &fetcher.HTTPLoader{}, rec.Loader)
}

func TestRegistryLoadYmlFallback(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "alt.yml", `
locators:
  - type: single_http
    single_http:
      name: seeds
      urls: ["https://example.com/a"]
`)

	rec, err := NewRegistry(dir, false).Load("alt", kvstore.NewMemory())
	require.NoError(t, err)
	require.Equal(t, "alt", rec.ID())
}

func TestRegistryLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CIVIC_TOKEN", "sekrit")

	dir := t.TempDir()
	writeRecipe(t, dir, "auth.yaml", `
locators:
  - type: single_http
    single_http:
      name: seeds
      urls: ["https://example.com/a"]
      headers:
        Authorization: Bearer ${CIVIC_TOKEN}
`)

	rec, err := NewRegistry(dir, true).Load("auth", kvstore.NewMemory())
	require.NoError(t, err)

	loc := rec.Locators[0].(*fetcher.SingleHTTPLocator)
	reqs, done, err := loc.NextRequests(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, reqs, 1)
	require.Equal(t, "Bearer sekrit", reqs[0].Headers["Authorization"])
}

func TestRegistryLoadErrors(t *testing.T) {
	dir := t.TempDir()
	kv := kvstore.NewMemory()
	reg := NewRegistry(dir, false)

	_, err := reg.Load("", kv)
	require.ErrorContains(t, err, "registry id is required")

	_, err = reg.Load("missing", kv)
	require.ErrorContains(t, err, "no recipe missing")

	writeRecipe(t, dir, "renamed.yaml", `
recipe_id: something-else
locators:
  - type: single_http
    single_http:
      name: seeds
      urls: ["https://example.com/a"]
`)
	_, err = reg.Load("renamed", kv)
	require.ErrorContains(t, err, "mismatching id")

	writeRecipe(t, dir, "badloader.yaml", `
loader:
  type: carrier-pigeon
locators:
  - type: single_http
    single_http:
      name: seeds
      urls: ["https://example.com/a"]
`)
	_, err = reg.Load("badloader", kv)
	require.ErrorContains(t, err, "unknown loader type")

	writeRecipe(t, dir, "badlocator.yaml", `
locators:
  - type: dowsing-rod
`)
	_, err = reg.Load("badlocator", kv)
	require.ErrorContains(t, err, "unknown locator type")

	writeRecipe(t, dir, "missingblock.yaml", `
locators:
  - type: single_http
`)
	_, err = reg.Load("missingblock", kv)
	require.ErrorContains(t, err, "requires a single_http block")

	writeRecipe(t, dir, "unknownfield.yaml", `
locators:
  - type: single_http
    single_http:
      name: seeds
      urls: ["https://example.com/a"]
      surprise: true
`)
	_, err = reg.Load("unknownfield", kv)
	require.ErrorContains(t, err, "parsing recipe")

	writeRecipe(t, dir, "empty.yaml", ``)
	_, err = reg.Load("empty", kv)
	require.ErrorContains(t, err, "at least one locator")
}

func TestRegistryList(t *testing.T) {
	dir := t.TempDir()
	writeRecipe(t, dir, "b.yaml", "x: 1")
	writeRecipe(t, dir, "a.yml", "x: 1")
	writeRecipe(t, dir, "notes.txt", "not a recipe")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	ids, err := NewRegistry(dir, false).List()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	_, err = NewRegistry(filepath.Join(dir, "gone"), false).List()
	require.Error(t, err)
}
