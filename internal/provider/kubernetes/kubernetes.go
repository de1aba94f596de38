// Package kubernetes provides a sandbox provider that manages sandbox pods
// through agent-sandbox SandboxClaim resources. Each workspace is one claim;
// the controller materialises a Sandbox of the same name and reports its
// service FQDN once the pod is ready.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/google/uuid"

	"github.com/jkaninda/buildbox/internal/workspace"
)

const (
	providerName     = "kubernetes"
	labelManaged     = "buildbox.managed"
	annotationName   = "buildbox.dev/name"
	defaultNamespace = "default"
	defaultPoll      = 500 * time.Millisecond
)

// Provider has no shell transport and does not implement workspace.Spawner.
var _ workspace.Provider = (*Provider)(nil)

// Config configures the kubernetes provider.
type Config struct {
	Namespace string
	Template  string // SandboxTemplate referenced by every claim.
}

// Provider implements workspace.Provider with SandboxClaim resources.
type Provider struct {
	client    client.Client
	namespace string
	template  string
	poll      time.Duration
	logger    *slog.Logger
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// NewClient builds a controller-runtime client from the ambient kubeconfig
// or in-cluster service account.
func NewClient() (client.Client, error) {
	scheme, err := NewScheme()
	if err != nil {
		return nil, err
	}
	restCfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return c, nil
}

// New creates a kubernetes provider.
func New(c client.Client, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.Template == "" {
		return nil, fmt.Errorf("kubernetes provider requires a sandbox template")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &Provider{
		client:    c,
		namespace: ns,
		template:  cfg.Template,
		poll:      defaultPoll,
		logger:    logger,
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Create(ctx context.Context, name string) (*workspace.Sandbox, error) {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        generateClaimNameFn(),
			Namespace:   p.namespace,
			Labels:      map[string]string{labelManaged: "true"},
			Annotations: map[string]string{annotationName: name},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: p.template,
			},
		},
	}
	if err := p.client.Create(ctx, claim); err != nil {
		return nil, fmt.Errorf("create SandboxClaim %q: %w", claim.Name, err)
	}

	p.logger.Info("sandbox claim created",
		slog.String("sandbox_id", claim.Name),
		slog.String("namespace", p.namespace),
		slog.String("template", p.template),
	)
	sb := p.toSandbox(claim, nil)
	return &sb, nil
}

func (p *Provider) List(ctx context.Context) ([]workspace.Sandbox, error) {
	var claims extensionsv1alpha1.SandboxClaimList
	if err := p.client.List(ctx, &claims,
		client.InNamespace(p.namespace),
		client.MatchingLabels{labelManaged: "true"},
	); err != nil {
		return nil, fmt.Errorf("list SandboxClaims: %w", err)
	}

	result := make([]workspace.Sandbox, 0, len(claims.Items))
	for i := range claims.Items {
		claim := &claims.Items[i]
		sandbox, err := p.sandboxFor(ctx, claim.Name)
		if err != nil {
			return nil, err
		}
		result = append(result, p.toSandbox(claim, sandbox))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (p *Provider) Get(ctx context.Context, id string) (*workspace.Sandbox, error) {
	claim, err := p.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	sandbox, err := p.sandboxFor(ctx, id)
	if err != nil {
		return nil, err
	}
	sb := p.toSandbox(claim, sandbox)
	return &sb, nil
}

// Start waits for the controller to report the Sandbox ready. The claim
// itself requests the pod, so there is nothing to trigger.
func (p *Provider) Start(ctx context.Context, id string) (*workspace.Sandbox, error) {
	claim, err := p.claim(ctx, id)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		sandbox, err := p.sandboxFor(ctx, id)
		if err != nil {
			return nil, err
		}
		if isReady(sandbox) && sandbox.Status.ServiceFQDN != "" {
			p.logger.Info("sandbox ready",
				slog.String("sandbox_id", id),
				slog.String("fqdn", sandbox.Status.ServiceFQDN),
			)
			sb := p.toSandbox(claim, sandbox)
			return &sb, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for Sandbox %q: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Provider) PreviewURL(ctx context.Context, id string, port int) (string, error) {
	if _, err := p.claim(ctx, id); err != nil {
		return "", err
	}
	sandbox, err := p.sandboxFor(ctx, id)
	if err != nil {
		return "", err
	}
	if !isReady(sandbox) || sandbox.Status.ServiceFQDN == "" {
		return "", fmt.Errorf("%w: %q", workspace.ErrNotRunning, id)
	}
	return fmt.Sprintf("http://%s:%d", sandbox.Status.ServiceFQDN, port), nil
}

func (p *Provider) Delete(ctx context.Context, id string) error {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: id, Namespace: p.namespace},
	}
	if err := p.client.Delete(ctx, claim); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
		}
		return fmt.Errorf("delete SandboxClaim %q: %w", id, err)
	}
	p.logger.Info("sandbox claim deleted", slog.String("sandbox_id", id), slog.String("namespace", p.namespace))
	return nil
}

func (p *Provider) claim(ctx context.Context, id string) (*extensionsv1alpha1.SandboxClaim, error) {
	claim := &extensionsv1alpha1.SandboxClaim{}
	key := types.NamespacedName{Name: id, Namespace: p.namespace}
	if err := p.client.Get(ctx, key, claim); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get SandboxClaim %q: %w", id, err)
	}
	if claim.Labels[labelManaged] != "true" {
		return nil, fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	return claim, nil
}

// sandboxFor returns the Sandbox behind a claim, or nil if the controller
// has not created it yet.
func (p *Provider) sandboxFor(ctx context.Context, name string) (*sandboxv1alpha1.Sandbox, error) {
	sandbox := &sandboxv1alpha1.Sandbox{}
	key := types.NamespacedName{Name: name, Namespace: p.namespace}
	if err := p.client.Get(ctx, key, sandbox); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get Sandbox %q: %w", name, err)
	}
	return sandbox, nil
}

func (p *Provider) toSandbox(claim *extensionsv1alpha1.SandboxClaim, sandbox *sandboxv1alpha1.Sandbox) workspace.Sandbox {
	sb := workspace.Sandbox{
		ID:        claim.Name,
		Name:      claim.Annotations[annotationName],
		Status:    workspace.StatusCreated,
		Provider:  providerName,
		CreatedAt: claim.CreationTimestamp.Time,
		UpdatedAt: claim.CreationTimestamp.Time,
	}
	switch {
	case sandbox == nil:
	case isReady(sandbox) && sandbox.Status.ServiceFQDN != "":
		sb.Status = workspace.StatusRunning
		sb.Ports = []int{workspace.DefaultPreviewPort}
	default:
		sb.Status = workspace.StatusStarting
	}
	return sb
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(sandbox *sandboxv1alpha1.Sandbox) bool {
	if sandbox == nil {
		return false
	}
	for _, c := range sandbox.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// generateClaimNameFn creates a unique, DNS-safe claim name.
// Replaceable in tests for deterministic naming.
var generateClaimNameFn = func() string {
	return "buildbox-" + uuid.NewString()[:8]
}
