// Package template renders the generated compose file, environment
// file, and secret files from a config + secrets snapshot.
package template

import (
	"bytes"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"orchestrator/internal/config"
)

//go:embed templates/docker-compose.yml.tmpl templates/env.tmpl templates/secrets
var templateFS embed.FS

const (
	composeTemplateName = "templates/docker-compose.yml.tmpl"
	envTemplateName      = "templates/env.tmpl"
	secretsTemplateDir   = "templates/secrets"
)

// RenderResult is the set of artifacts one Render call produced.
type RenderResult struct {
	ComposePath string
	EnvPath     string
	SecretsDir  string
	SecretFiles map[string]string // template-relative path -> absolute output path
}

// Engine renders the generated/ directory contents from the embedded
// template set.
type Engine struct {
	funcs template.FuncMap
}

// New builds an Engine with sprig's function set available to every
// template.
func New() *Engine {
	return &Engine{funcs: sprig.TxtFuncMap()}
}

func (e *Engine) parse(name string) (*template.Template, error) {
	data, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, config.NewTemplateNotFoundError(name, err)
	}
	return template.New(filepath.Base(name)).Funcs(e.funcs).Parse(string(data))
}

// Render writes docker-compose.yml, .env, and any secret files to
// outputDir, derived from cfg and the current secrets snapshot. It is
// a pure function of its inputs; callers rerun it whenever either
// changes.
func (e *Engine) Render(cfg config.StackConfig, secrets map[string]map[string]string, hash, outputDir string) (RenderResult, error) {
	if err := os.MkdirAll(outputDir, 0o775); err != nil {
		return RenderResult{}, err
	}

	ctx := BuildContext(cfg, secrets, hash)

	composePath := filepath.Join(outputDir, "docker-compose.yml")
	if err := e.renderOne(composeTemplateName, ctx, composePath); err != nil {
		return RenderResult{}, err
	}

	envPath := filepath.Join(outputDir, ".env")
	if err := e.renderOne(envTemplateName, ctx, envPath); err != nil {
		return RenderResult{}, err
	}

	secretsDir, secretFiles, err := e.RenderSecrets(cfg, secrets, hash, outputDir)
	if err != nil {
		return RenderResult{}, err
	}

	return RenderResult{
		ComposePath: composePath,
		EnvPath:     envPath,
		SecretsDir:  secretsDir,
		SecretFiles: secretFiles,
	}, nil
}

// RenderSecrets renders every template under templates/secrets into
// outputDir/.secrets, mirroring the template tree with the .tmpl
// suffix stripped. It is split out from Render so the apply runner can
// re-render secrets alone when only the secrets snapshot changed.
func (e *Engine) RenderSecrets(cfg config.StackConfig, secrets map[string]map[string]string, hash, outputDir string) (string, map[string]string, error) {
	ctx := BuildContext(cfg, secrets, hash)

	var names []string
	err := fs.WalkDir(templateFS, secretsTemplateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".tmpl") {
			names = append(names, path)
		}
		return nil
	})
	if err != nil || len(names) == 0 {
		return "", nil, nil
	}
	sort.Strings(names)

	secretsDir := filepath.Join(outputDir, ".secrets")
	files := make(map[string]string, len(names))

	for _, name := range names {
		rel := strings.TrimSuffix(strings.TrimPrefix(name, secretsTemplateDir+"/"), ".tmpl")
		target := filepath.Join(secretsDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return "", nil, err
		}
		if err := e.renderOne(name, ctx, target); err != nil {
			return "", nil, err
		}
		files[rel] = target
	}

	return secretsDir, files, nil
}

func (e *Engine) renderOne(templateName string, ctx Context, outPath string) error {
	tmpl, err := e.parse(templateName)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return err
	}

	return os.WriteFile(outPath, buf.Bytes(), 0o664)
}
