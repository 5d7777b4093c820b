package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oakline/market-api/internal/platform/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

var ErrProviderClosed = errors.New("firestore: provider is closed")

type initResult struct {
	client *firestore.Client
	err    error
}

// Provider lazily initialises the Firestore client every repository shares.
// Concurrent callers of Client during startup wait on one dial instead of
// racing to create their own.
type Provider struct {
	cfg config.FirestoreConfig

	stateMu sync.Mutex
	initCh  chan initResult
	client  *firestore.Client

	closed atomic.Bool
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.FirestoreConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Client returns the lazily initialised Firestore client.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if ctx == nil {
		return nil, errors.New("firestore: context is required")
	}

	for {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}

		p.stateMu.Lock()
		if p.client != nil {
			client := p.client
			p.stateMu.Unlock()
			return client, nil
		}
		if p.closed.Load() {
			p.stateMu.Unlock()
			return nil, ErrProviderClosed
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-waitCh:
				if res.err != nil {
					return nil, res.err
				}
				if p.closed.Load() {
					return nil, ErrProviderClosed
				}
				return res.client, nil
			}
		}

		waitCh := make(chan initResult, 1)
		p.initCh = waitCh
		p.stateMu.Unlock()

		client, err := p.createClient(ctx)

		p.stateMu.Lock()
		if err != nil {
			p.client = nil
			p.initCh = nil
			p.stateMu.Unlock()
			waitCh <- initResult{err: err}
			close(waitCh)
			return nil, err
		}
		p.client = client
		p.initCh = nil
		p.stateMu.Unlock()

		waitCh <- initResult{client: client}
		close(waitCh)

		if p.closed.Load() {
			return nil, ErrProviderClosed
		}
		return client, nil
	}
}

func (p *Provider) createClient(ctx context.Context) (*firestore.Client, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	projectID := strings.TrimSpace(p.cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	host := p.emulatorHost()
	var opts []option.ClientOption
	if host != "" {
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, host)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := firestore.NewClient(ctxWithTimeout, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// Close releases the underlying Firestore client. The Provider cannot be reused afterwards.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.closed.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var client *firestore.Client

	for {
		if p.closed.Load() {
			return nil
		}

		p.stateMu.Lock()
		if p.closed.Load() {
			p.stateMu.Unlock()
			return nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.stateMu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-waitCh:
				continue
			}
		}

		p.closed.Store(true)
		client = p.client
		p.client = nil
		p.stateMu.Unlock()
		break
	}

	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// RunTransaction executes fn inside a Firestore transaction using the provider's client.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn)
}

func (p *Provider) emulatorHost() string {
	if trimmed := strings.TrimSpace(p.cfg.EmulatorHost); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}
