package params

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore/stevedore/internal/core/domain"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{
		"registry.username": "deployer",
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		prompt  Prompt
		want    string
		wantErr error
	}{
		{
			name:   "preseeded value wins",
			prompt: Prompt{Name: "registry.username", Default: "nobody"},
			want:   "deployer",
		},
		{
			name:   "default fills gap",
			prompt: Prompt{Name: "deploy.path", Default: "~/app"},
			want:   "~/app",
		},
		{
			name:    "missing required is a configuration error",
			prompt:  Prompt{Name: "registry.password", Required: true, Secret: true},
			wantErr: domain.ErrMissingSetting,
		},
		{
			name:   "missing optional resolves empty",
			prompt: Prompt{Name: "extra.note"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.prompt)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorContains(t, err, tt.prompt.Name)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStaticResolver_CancelledContext(t *testing.T) {
	r := NewStaticResolver(map[string]string{"k": "v"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, Prompt{Name: "k"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("STEVEDORE_PARAM_REGISTRY_USERNAME", "ci-bot")

	r := NewEnvResolver("STEVEDORE_PARAM_", nil)

	got, err := r.Resolve(context.Background(), Prompt{Name: "registry.username"})
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", got)
}

func TestEnvResolver_FallsBackWhenUnset(t *testing.T) {
	static := NewStaticResolver(map[string]string{"registry.password": "s3cret"})
	r := NewEnvResolver("STEVEDORE_PARAM_", static)

	got, err := r.Resolve(context.Background(), Prompt{Name: "registry.password", Required: true})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestEnvResolver_MissingWithoutFallback(t *testing.T) {
	r := NewEnvResolver("STEVEDORE_PARAM_", nil)

	_, err := r.Resolve(context.Background(), Prompt{Name: "registry.password", Required: true})
	require.ErrorIs(t, err, domain.ErrMissingSetting)
}

func TestEnvName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"registry.username", "REGISTRY_USERNAME"},
		{"deploy-path", "DEPLOY_PATH"},
		{"simple", "SIMPLE"},
		{"a..b", "A_B"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EnvName(tt.in), tt.in)
	}
}

func TestResolveAll_CollectsAllMissing(t *testing.T) {
	r := NewStaticResolver(nil)

	_, err := ResolveAll(context.Background(), r, []Prompt{
		{Name: "registry.username", Required: true},
		{Name: "registry.password", Required: true},
		{Name: "optional.note"},
	})

	require.ErrorIs(t, err, domain.ErrMissingSetting)
	var msErr *domain.MissingSettingsError
	require.ErrorAs(t, err, &msErr)
	assert.ElementsMatch(t, []string{"registry.username", "registry.password"}, msErr.Settings)
}

func TestResolveAll_Resolved(t *testing.T) {
	r := NewStaticResolver(map[string]string{"a": "1"})

	values, err := ResolveAll(context.Background(), r, []Prompt{
		{Name: "a", Required: true},
		{Name: "b", Default: "2"},
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, values)
}
