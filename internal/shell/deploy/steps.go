package deploy

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/stevedore/stevedore/internal/core/compose"
	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/core/plan"
	"github.com/stevedore/stevedore/internal/shell/params"
	"github.com/stevedore/stevedore/internal/shell/store"
)

// =============================================================================
// Run Values and State Sections
// =============================================================================

// Run-scoped values produced and consumed by the standard steps. Custom
// steps added through WireUp may read and extend them.
const (
	KeyDeployPath     plan.Key = "deploy.path"
	KeyComposeCommand plan.Key = "compose.command"
	KeyDescriptor     plan.Key = "descriptor"
	KeyParameters     plan.Key = "parameters"
	KeyPriorState     plan.Key = "state.prior"
	KeyImageRefs      plan.Key = "images.refs"
	KeyStatus         plan.Key = "deploy.status"
	KeyEndpoints      plan.Key = "deploy.endpoints"
)

// State store sections.
const (
	SectionDeploy    = "deploy"
	SectionEndpoints = "endpoints"
	SectionImages    = "images"
)

// Standard step names, exported so WireUp callers can anchor edges.
const (
	StepLoadState          = "load-state"
	StepResolveParameters  = "resolve-parameters"
	StepParseDescriptor    = "parse-descriptor"
	StepEstablishSession   = "establish-session"
	StepCheckOrchestrator  = "check-orchestrator"
	StepPrepareRemote      = "prepare-remote"
	StepRegistryLogin      = "registry-login"
	StepPushImages         = "push-images"
	StepTransferDescriptor = "transfer-descriptor"
	StepTransferEnv        = "transfer-env"
	StepPullImages         = "pull-images"
	StepStopExisting       = "stop-existing"
	StepStartServices      = "start-services"
	StepAwaitHealth        = "await-health"
	StepExtractEndpoints   = "extract-endpoints"
	StepSaveState          = "save-state"
)

// =============================================================================
// Plan Assembly
// =============================================================================

// BuildPlan assembles the standard deployment plan. Local preparation
// (state, parameters, descriptor parsing) runs concurrently with session
// establishment; everything touching the orchestrator is ordered behind
// the remote checks. The returned graph is not finalized: Run applies the
// WireUp hook first.
func (d *Deployer) BuildPlan() (*plan.Graph, error) {
	g := plan.NewGraph()

	steps := []*plan.Step{
		{Name: StepLoadState, Run: d.loadState},
		{Name: StepResolveParameters, Run: d.resolveParameters, DependsOn: []string{StepLoadState}},
		{Name: StepParseDescriptor, Run: d.parseDescriptor},
		{Name: StepEstablishSession, Run: d.establishSession},
		{Name: StepCheckOrchestrator, Run: d.checkOrchestrator, DependsOn: []string{StepEstablishSession}},
		{Name: StepPrepareRemote, Run: d.prepareRemote, DependsOn: []string{StepCheckOrchestrator}},
		{Name: StepRegistryLogin, Run: d.registryLogin, DependsOn: []string{StepCheckOrchestrator, StepResolveParameters}},
		{
			Name:       StepTransferDescriptor,
			Run:        d.transferDescriptor,
			DependsOn:  []string{StepPrepareRemote, StepParseDescriptor},
			RequiredBy: []string{StepStartServices},
		},
		{Name: StepPullImages, Run: d.pullImages, DependsOn: []string{StepTransferDescriptor, StepRegistryLogin}},
		{Name: StepStopExisting, Run: d.stopExisting, DependsOn: []string{StepTransferDescriptor}},
		{Name: StepStartServices, Run: d.startServices, DependsOn: []string{StepPullImages, StepStopExisting}},
		{Name: StepAwaitHealth, Run: d.awaitHealth, DependsOn: []string{StepStartServices}},
		{Name: StepExtractEndpoints, Run: d.extractEndpoints, DependsOn: []string{StepAwaitHealth}},
		{Name: StepSaveState, Run: d.saveState, DependsOn: []string{StepExtractEndpoints, StepResolveParameters}},
	}

	if d.cfg.EnvFilePath != "" {
		steps = append(steps, &plan.Step{
			Name:       StepTransferEnv,
			Run:        d.transferEnv,
			DependsOn:  []string{StepPrepareRemote},
			RequiredBy: []string{StepStartServices},
		})
	}
	if d.deps.Pusher != nil {
		steps = append(steps, &plan.Step{
			Name:       StepPushImages,
			Run:        d.pushImages,
			DependsOn:  []string{StepParseDescriptor, StepRegistryLogin},
			RequiredBy: []string{StepPullImages},
		})
	}

	for _, s := range steps {
		if err := g.AddStep(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// =============================================================================
// Local Preparation Steps
// =============================================================================

func (d *Deployer) loadState(ctx context.Context, rc *plan.RunContext) error {
	prior, err := d.deps.Store.LoadSection(ctx, SectionDeploy)
	if err != nil {
		return err
	}
	rc.Set(KeyPriorState, prior)
	return nil
}

// parameterPrompts lists every setting the run needs resolved up front.
func (d *Deployer) parameterPrompts() []params.Prompt {
	var prompts []params.Prompt
	if d.cfg.RegistryServer != "" {
		prompts = append(prompts,
			params.Prompt{
				Name:        "registry.username",
				Description: "image registry username",
				Required:    true,
			},
			params.Prompt{
				Name:        "registry.password",
				Description: "image registry password",
				Required:    true,
				Secret:      true,
			},
		)
	}
	return append(prompts, d.cfg.ExtraPrompts...)
}

func (d *Deployer) resolveParameters(ctx context.Context, rc *plan.RunContext) error {
	values, err := params.ResolveAll(ctx, d.deps.Resolver, d.parameterPrompts())
	if err != nil {
		return err
	}
	rc.Set(KeyParameters, values)
	return nil
}

func (d *Deployer) parseDescriptor(_ context.Context, rc *plan.RunContext) error {
	content, err := os.ReadFile(d.cfg.DescriptorPath)
	if err != nil {
		return fmt.Errorf("read descriptor %s: %w", d.cfg.DescriptorPath, err)
	}
	descriptor, err := compose.Parse(content)
	if err != nil {
		return err
	}
	rc.Set(KeyDescriptor, descriptor)
	d.logger.Debug("descriptor parsed", "services", descriptor.ServiceNames())
	return nil
}

// =============================================================================
// Remote Preparation Steps
// =============================================================================

func (d *Deployer) establishSession(ctx context.Context, _ *plan.RunContext) error {
	return d.deps.Session.Establish(ctx)
}

func (d *Deployer) checkOrchestrator(ctx context.Context, _ *plan.RunContext) error {
	return d.deps.Session.ExecuteCommand(ctx, "docker compose version")
}

func (d *Deployer) prepareRemote(ctx context.Context, rc *plan.RunContext) error {
	expanded, err := d.deps.Session.ExpandRemotePath(ctx, d.cfg.DeployPath)
	if err != nil {
		return err
	}
	if err := d.deps.Session.ExecuteCommand(ctx, "mkdir -p -- "+shellQuote(expanded)); err != nil {
		return err
	}
	rc.Set(KeyDeployPath, expanded)
	rc.Set(KeyComposeCommand, composeCommandFor(expanded, d.cfg.Project))
	return nil
}

func (d *Deployer) registryLogin(ctx context.Context, rc *plan.RunContext) error {
	if d.cfg.RegistryServer == "" {
		return nil
	}
	values, err := plan.Value[map[string]string](rc, KeyParameters)
	if err != nil {
		return err
	}

	// The password goes through stdin so it never appears in the remote
	// host's process listings or shell history.
	command := fmt.Sprintf("docker login --username %s --password-stdin %s",
		shellQuote(values["registry.username"]), shellQuote(d.cfg.RegistryServer))
	result, err := d.deps.Session.ExecuteCommandWithInput(ctx, command, strings.NewReader(values["registry.password"]+"\n"))
	if err != nil {
		return err
	}
	if !result.OK() {
		return domain.NewRemoteCommandError(command, result)
	}
	return nil
}

func (d *Deployer) pushImages(ctx context.Context, rc *plan.RunContext) error {
	descriptor, err := plan.Value[*compose.Descriptor](rc, KeyDescriptor)
	if err != nil {
		return err
	}
	refs, err := d.deps.Pusher.Push(ctx, descriptor.ServiceNames())
	if err != nil {
		return fmt.Errorf("push images: %w", err)
	}
	rc.Set(KeyImageRefs, refs)
	return nil
}

// =============================================================================
// Transfer Steps
// =============================================================================

func (d *Deployer) transferDescriptor(ctx context.Context, rc *plan.RunContext) error {
	deployPath, err := plan.Value[string](rc, KeyDeployPath)
	if err != nil {
		return err
	}
	_, err = d.deps.Transfers.TransferWithVerification(ctx, d.cfg.DescriptorPath, path.Join(deployPath, DefaultDescriptorName))
	return err
}

func (d *Deployer) transferEnv(ctx context.Context, rc *plan.RunContext) error {
	deployPath, err := plan.Value[string](rc, KeyDeployPath)
	if err != nil {
		return err
	}
	_, err = d.deps.Transfers.TransferWithVerification(ctx, d.cfg.EnvFilePath, path.Join(deployPath, ".env"))
	return err
}

// =============================================================================
// Orchestrator Steps
// =============================================================================

func (d *Deployer) pullImages(ctx context.Context, rc *plan.RunContext) error {
	composeCommand, err := plan.Value[string](rc, KeyComposeCommand)
	if err != nil {
		return err
	}
	// Tolerated failure: images may already be present locally.
	if err := d.deps.Session.ExecuteCommand(ctx, composeCommand+" pull"); err != nil {
		d.logger.Warn("image pull failed, continuing with local images", "error", err)
		d.cfg.Reporter.Subtask("image pull failed, continuing with local images")
	}
	return nil
}

func (d *Deployer) stopExisting(ctx context.Context, rc *plan.RunContext) error {
	composeCommand, err := plan.Value[string](rc, KeyComposeCommand)
	if err != nil {
		return err
	}
	// Tolerated failure: nothing may be running yet.
	if err := d.deps.Session.ExecuteCommand(ctx, composeCommand+" down --remove-orphans"); err != nil {
		d.logger.Warn("stopping previous deployment failed, continuing", "error", err)
	}
	return nil
}

func (d *Deployer) startServices(ctx context.Context, rc *plan.RunContext) error {
	composeCommand, err := plan.Value[string](rc, KeyComposeCommand)
	if err != nil {
		return err
	}
	return d.deps.Session.ExecuteCommand(ctx, composeCommand+" up -d")
}

func (d *Deployer) awaitHealth(ctx context.Context, rc *plan.RunContext) error {
	composeCommand, err := plan.Value[string](rc, KeyComposeCommand)
	if err != nil {
		return err
	}
	mon, err := d.deps.NewMonitor(composeCommand)
	if err != nil {
		return err
	}
	status, err := mon.Wait(ctx)
	rc.Set(KeyStatus, status)
	return err
}

// =============================================================================
// Reporting and Persistence Steps
// =============================================================================

func (d *Deployer) extractEndpoints(_ context.Context, rc *plan.RunContext) error {
	status, err := plan.Value[domain.DeploymentStatus](rc, KeyStatus)
	if err != nil {
		return err
	}
	rc.Set(KeyEndpoints, status.Endpoints)
	for service, endpoints := range status.Endpoints {
		d.cfg.Reporter.Subtask(fmt.Sprintf("service %s reachable at %s", service, strings.Join(endpoints, ", ")))
	}
	return nil
}

func (d *Deployer) saveState(ctx context.Context, rc *plan.RunContext) error {
	deployPath, err := plan.Value[string](rc, KeyDeployPath)
	if err != nil {
		return err
	}
	endpoints, err := plan.Value[map[string][]string](rc, KeyEndpoints)
	if err != nil {
		return err
	}

	endpointValues := make(map[string]string, len(endpoints))
	for service, eps := range endpoints {
		endpointValues[service] = strings.Join(eps, ",")
	}

	return d.deps.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.SaveSection(ctx, SectionDeploy, map[string]string{
			"path":    deployPath,
			"project": d.cfg.Project,
			"target":  d.cfg.Target.Host,
		}); err != nil {
			return err
		}
		if err := tx.SaveSection(ctx, SectionEndpoints, endpointValues); err != nil {
			return err
		}
		if refs, err := plan.Value[map[string]string](rc, KeyImageRefs); err == nil {
			return tx.SaveSection(ctx, SectionImages, refs)
		}
		return nil
	})
}
