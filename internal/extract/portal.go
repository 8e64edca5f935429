// Package extract implements the portal extraction collaborator invoked by
// workers, one call per job phase.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/ratelimit"
)

// runner is the automation surface the extractor needs from a leased session.
type runner interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
}

// PageArchiver stores raw page captures for audit. See the snapshot package.
type PageArchiver interface {
	ArchivePage(ctx context.Context, runID, jobID string, html []byte) (string, error)
}

// Config describes the portal pages the extractor drives.
type Config struct {
	// BaseURL is the portal root; client pages live under /clients/{key}.
	BaseURL string
	// FieldSelectors maps result field names to CSS selectors on the client
	// detail page.
	FieldSelectors map[string]string
	// ArtifactSelector matches links to downloadable documents.
	ArtifactSelector string
	// NotFoundMarker is page text that identifies an unknown client key.
	NotFoundMarker string
	// RequiredFields must be present after extraction for validation to pass.
	RequiredFields []string
}

func (c Config) withDefaults() Config {
	if c.FieldSelectors == nil {
		c.FieldSelectors = map[string]string{
			"client_name":   "#client-name",
			"policy_count":  "#policy-count",
			"claims_open":   "#claims-open",
			"claims_closed": "#claims-closed",
		}
	}
	if c.ArtifactSelector == "" {
		c.ArtifactSelector = "a.document-link"
	}
	if c.NotFoundMarker == "" {
		c.NotFoundMarker = "cliente no encontrado"
	}
	if len(c.RequiredFields) == 0 {
		c.RequiredFields = []string{"client_name"}
	}
	return c
}

// Portal drives the client/policy/claims pages of the external portal.
type Portal struct {
	cfg      Config
	limiter  *ratelimit.Limiter
	archiver PageArchiver
	detector BlockDetector
	logger   *zap.Logger
}

// New builds the portal extractor. The limiter and archiver may be nil to
// disable pacing and snapshot capture.
func New(cfg Config, limiter *ratelimit.Limiter, archiver PageArchiver, logger *zap.Logger) (*Portal, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("portal base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portal{
		cfg:      cfg.withDefaults(),
		limiter:  limiter,
		archiver: archiver,
		logger:   logger,
	}, nil
}

// Run executes one phase of the job against the leased session.
func (p *Portal) Run(ctx context.Context, sess fleet.Session, job *fleet.Job, phase fleet.Phase) error {
	switch phase {
	case fleet.PhaseNavigate:
		return p.navigate(ctx, sess, job)
	case fleet.PhaseExtract:
		return p.extractFields(ctx, sess, job)
	case fleet.PhaseProcess:
		return p.process(job)
	case fleet.PhaseValidate:
		return p.validate(job)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

func (p *Portal) runner(sess fleet.Session) (runner, error) {
	r, ok := sess.(runner)
	if !ok {
		return nil, fmt.Errorf("session %s does not support scripted automation", sess.ID())
	}
	return r, nil
}

func (p *Portal) clientURL(key string) string {
	return fmt.Sprintf("%s/clients/%s", strings.TrimRight(p.cfg.BaseURL, "/"), key)
}

func (p *Portal) navigate(ctx context.Context, sess fleet.Session, job *fleet.Job) error {
	r, err := p.runner(sess)
	if err != nil {
		return fleet.Fatal(err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, p.cfg.BaseURL); err != nil {
			return fmt.Errorf("portal pacing: %w", err)
		}
	}

	var body, html string
	actions := []chromedp.Action{
		chromedp.Navigate(p.clientURL(job.ClientKey)),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text("body", &body, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := r.Run(ctx, actions...); err != nil {
		return fmt.Errorf("navigate to client page: %w", err)
	}
	if strings.Contains(strings.ToLower(body), p.cfg.NotFoundMarker) {
		return fleet.Fatal(fmt.Errorf("client key %s not known to portal", job.ClientKey))
	}
	if err := p.detector.Check(body, html); err != nil {
		return err
	}
	p.archive(ctx, job, html)
	return nil
}

// archive stores the rendered page when an archiver is configured. Snapshot
// failures never fail the job; the extraction still has the live page.
func (p *Portal) archive(ctx context.Context, job *fleet.Job, html string) {
	if p.archiver == nil || html == "" {
		return
	}
	uri, err := p.archiver.ArchivePage(ctx, job.RunID, job.ID, []byte(html))
	if err != nil {
		p.logger.Warn("page snapshot failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}
	if job.Result.Extra == nil {
		job.Result.Extra = make(map[string]any, 1)
	}
	job.Result.Extra["snapshot"] = uri
}

func (p *Portal) extractFields(ctx context.Context, sess fleet.Session, job *fleet.Job) error {
	r, err := p.runner(sess)
	if err != nil {
		return fleet.Fatal(err)
	}
	if job.Result.Fields == nil {
		job.Result.Fields = make(map[string]string, len(p.cfg.FieldSelectors))
	}
	for field, selector := range p.cfg.FieldSelectors {
		var value string
		if err := r.Run(ctx, chromedp.Text(selector, &value, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("extract field %s: %w", field, err)
		}
		job.Result.Fields[field] = value
	}

	var hrefs []string
	if err := r.Run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`Array.from(document.querySelectorAll(%q)).map(a => a.href)`, p.cfg.ArtifactSelector),
		&hrefs,
	)); err != nil {
		return fmt.Errorf("extract artifact links: %w", err)
	}
	job.Result.Artifacts = append(job.Result.Artifacts[:0], hrefs...)
	return nil
}

// process normalizes extracted values in place. No browser work happens here.
func (p *Portal) process(job *fleet.Job) error {
	for field, value := range job.Result.Fields {
		job.Result.Fields[field] = strings.Join(strings.Fields(value), " ")
	}
	return nil
}

// validate checks the required fields came back non-empty. Empty fields are
// retryable: the usual cause is a half-rendered page, not bad data.
func (p *Portal) validate(job *fleet.Job) error {
	var missing []string
	for _, field := range p.cfg.RequiredFields {
		if strings.TrimSpace(job.Result.Fields[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required fields missing after extraction: %s", strings.Join(missing, ", "))
	}
	return nil
}
