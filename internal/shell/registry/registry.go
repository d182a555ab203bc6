// Package registry is the image-publication boundary. The deployer only
// needs the final image reference per service; how images get built and
// pushed is the caller's business.
package registry

import "context"

// Credentials authenticate against an image registry. The password is
// only ever written to the login command's stdin.
type Credentials struct {
	Server   string
	Username string
	Password string
}

// Pusher publishes service images and reports the resulting references.
type Pusher interface {
	// Push returns the pullable image reference per service name.
	Push(ctx context.Context, services []string) (map[string]string, error)
}

// StaticPusher satisfies Pusher for prebuilt images: it hands back a
// fixed reference map without touching the registry.
type StaticPusher struct {
	refs map[string]string
}

// NewStaticPusher creates a pusher over already-published references.
func NewStaticPusher(refs map[string]string) *StaticPusher {
	if refs == nil {
		refs = map[string]string{}
	}
	return &StaticPusher{refs: refs}
}

func (p *StaticPusher) Push(ctx context.Context, services []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(services))
	for _, svc := range services {
		if ref, ok := p.refs[svc]; ok {
			out[svc] = ref
		}
	}
	return out, nil
}
