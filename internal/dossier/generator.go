// Package dossier produces company research artifacts ahead of a CRM
// dispatch. With no API key configured it still writes a stub artifact so
// downstream consumers always have a path to attach.
package dossier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/genai"

	"dealflow_backend/platform/logger"
)

const defaultModel = "gemini-2.0-flash"

// Generator writes one markdown dossier per company into the run's artifact
// directory.
type Generator struct {
	client *genai.Client
	model  string
	dir    string
	log    *logger.Logger
	now    func() time.Time
}

// New builds a Generator. An empty apiKey disables research; Generate then
// produces stub artifacts instead of failing.
func New(ctx context.Context, apiKey, artifactDir string, log *logger.Logger) (*Generator, error) {
	g := &Generator{
		model: defaultModel,
		dir:   artifactDir,
		log:   log,
		now:   time.Now,
	}
	if apiKey == "" {
		log.Info("dossier research disabled, stub artifacts only")
		return g, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	g.client = client
	return g, nil
}

// SetModel overrides the research model. Empty values keep the default.
func (g *Generator) SetModel(model string) {
	if model != "" {
		g.model = model
	}
}

// Generate writes the dossier artifact and returns its path.
func (g *Generator) Generate(ctx context.Context, companyName, companyDomain, runID string) (string, error) {
	content, err := g.research(ctx, companyName, companyDomain)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(g.dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}
	path := filepath.Join(dir, artifactName(companyDomain, companyName))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize artifact: %w", err)
	}

	g.log.Info("dossier artifact written", "company", companyName, "path", path)
	return path, nil
}

func (g *Generator) research(ctx context.Context, companyName, companyDomain string) (string, error) {
	header := fmt.Sprintf("# Dossier: %s\n\nDomain: %s\nGenerated: %s\n\n",
		companyName, companyDomain, g.now().UTC().Format(time.RFC3339))

	if g.client == nil {
		return header + "Research generation is disabled; this is a placeholder dossier.\n", nil
	}

	prompt := fmt.Sprintf(
		"Write a concise sales-preparation dossier for the company %q (domain %s). "+
			"Cover: what the company does, likely size and market, and three talking "+
			"points for a first sales conversation. Use markdown headings.",
		companyName, companyDomain)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate dossier: %w", err)
	}
	return header + resp.Text(), nil
}

func artifactName(domain, name string) string {
	base := domain
	if base == "" {
		base = name
	}
	base = strings.ToLower(strings.TrimSpace(base))
	replacer := strings.NewReplacer("/", "_", " ", "_", ".", "_")
	return "dossier_" + replacer.Replace(base) + ".md"
}
