package temporalx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/draftwell/propgen-backend/internal/platform/envutil"
	"github.com/draftwell/propgen-backend/internal/platform/logger"
)

// NewClient dials Temporal, retrying with exponential backoff until
// TEMPORAL_DIAL_MAX_WAIT elapses. An unset TEMPORAL_ADDRESS is not an
// error: the service then runs on the DB-polling worker alone, and the
// caller receives (nil, nil).
func NewClient(log *logger.Logger) (temporalsdkclient.Client, error) {
	cfg := LoadConfig()
	if cfg.Address == "" {
		if log != nil {
			log.Warn("TEMPORAL_ADDRESS not set; running without Temporal")
		}
		return nil, nil
	}

	opts := temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    log,
	}
	if err := applyMTLS(cfg, &opts); err != nil {
		return nil, err
	}

	dialTimeout := envutil.GetEnvAsDuration("TEMPORAL_DIAL_TIMEOUT", 5*time.Second)
	maxWait := envutil.GetEnvAsDuration("TEMPORAL_DIAL_MAX_WAIT", 60*time.Second)
	step := envutil.GetEnvAsDuration("TEMPORAL_DIAL_BACKOFF", 250*time.Millisecond)
	stepMax := envutil.GetEnvAsDuration("TEMPORAL_DIAL_BACKOFF_MAX", 5*time.Second)

	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		c, err := temporalsdkclient.DialContext(dialCtx, opts)
		cancel()
		switch {
		case err == nil:
			if log != nil && attempt > 1 {
				log.Info("Temporal reachable", "address", cfg.Address, "namespace", cfg.Namespace, "attempts", attempt)
			}
			if envutil.GetEnvAsBool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
				if nsErr := EnsureNamespace(context.Background(), cfg, log); nsErr != nil {
					c.Close()
					return nil, nsErr
				}
			}
			return c, nil
		case maxWait <= 0 || time.Now().After(deadline):
			return nil, fmt.Errorf("dial temporal %s (namespace %s): %w", cfg.Address, cfg.Namespace, err)
		}
		if log != nil {
			log.Warn("Temporal dial failed; retrying", "address", cfg.Address, "attempt", attempt, "error", err)
		}
		time.Sleep(expBackoff(step, stepMax, attempt))
	}
}

/*
EnsureNamespace describes the configured namespace and registers it when
missing. Meant for local and self-hosted clusters; leave
TEMPORAL_AUTO_REGISTER_NAMESPACE off against pre-provisioned cloud
namespaces.

A NamespaceClient carries no implicit namespace header, which is what
lets the describe succeed before the namespace exists.
*/
func EnsureNamespace(ctx context.Context, cfg Config, log *logger.Logger) error {
	if cfg.Address == "" || cfg.Namespace == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	budget := envutil.GetEnvAsDuration("TEMPORAL_NAMESPACE_ENSURE_TIMEOUT", 10*time.Second)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	nsOpts := temporalsdkclient.Options{HostPort: cfg.Address, Logger: log}
	if err := applyMTLS(cfg, &nsOpts); err != nil {
		return err
	}
	nsClient, err := temporalsdkclient.NewNamespaceClient(nsOpts)
	if err != nil {
		return fmt.Errorf("namespace client: %w", err)
	}
	defer nsClient.Close()

	deadline := time.Now().Add(budget)
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("ensure namespace %s: %w", cfg.Namespace, ctx.Err())
		}

		_, descErr := nsClient.Describe(ctx, cfg.Namespace)
		if descErr == nil {
			return nil
		}

		var notFound *serviceerror.NamespaceNotFound
		if errors.As(descErr, &notFound) {
			regErr := registerNamespace(ctx, nsClient, cfg.Namespace, log)
			if regErr == nil {
				return nil
			}
			if !transientRPC(regErr) || time.Now().After(deadline) {
				return fmt.Errorf("register namespace %s: %w", cfg.Namespace, regErr)
			}
		} else if !transientRPC(descErr) || time.Now().After(deadline) {
			return fmt.Errorf("describe namespace %s: %w", cfg.Namespace, descErr)
		}

		time.Sleep(expBackoff(250*time.Millisecond, 5*time.Second, attempt))
	}
}

func registerNamespace(ctx context.Context, nsClient temporalsdkclient.NamespaceClient, namespace string, log *logger.Logger) error {
	retentionDays := envutil.GetEnvAsInt("TEMPORAL_NAMESPACE_RETENTION_DAYS", 7, log)
	if retentionDays < 1 {
		retentionDays = 7
	}
	err := nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        namespace,
		Description:                      "propgen auto-registered namespace",
		WorkflowExecutionRetentionPeriod: durationpb.New(time.Duration(retentionDays) * 24 * time.Hour),
	})
	var exists *serviceerror.NamespaceAlreadyExists
	if errors.As(err, &exists) {
		// Lost a registration race; the namespace is there either way.
		err = nil
	}
	if err == nil && log != nil {
		log.Info("Temporal namespace ready", "namespace", namespace, "retention_days", retentionDays)
	}
	return err
}

// applyMTLS wires client cert auth into opts when any TEMPORAL_CLIENT_*
// path is configured; with none set the connection stays plaintext.
func applyMTLS(cfg Config, opts *temporalsdkclient.Options) error {
	if cfg.ClientCertPath == "" && cfg.ClientKeyPath == "" && cfg.ClientCAPath == "" {
		return nil
	}
	if cfg.ClientCertPath == "" || cfg.ClientKeyPath == "" {
		return fmt.Errorf("temporal mTLS needs both TEMPORAL_CLIENT_CERT_PATH and TEMPORAL_CLIENT_KEY_PATH")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return fmt.Errorf("temporal client cert: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return fmt.Errorf("temporal CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return fmt.Errorf("temporal CA: no certificates in %s", cfg.ClientCAPath)
		}
		tlsCfg.RootCAs = pool
	}
	opts.ConnectionOptions.TLS = tlsCfg
	return nil
}

func expBackoff(step, max time.Duration, attempt int) time.Duration {
	if step <= 0 {
		step = 250 * time.Millisecond
	}
	wait := step
	for i := 1; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

func transientRPC(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return errors.Is(err, context.DeadlineExceeded)
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
