package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zebox/hub-proxy/app/access"
	"github.com/zebox/hub-proxy/app/github"
	"github.com/zebox/hub-proxy/app/hubapi"
	"github.com/zebox/hub-proxy/app/limiter"
	"github.com/zebox/hub-proxy/app/registry"
	"github.com/zebox/hub-proxy/app/server"

	log "github.com/go-pkgz/lgr"
)

func run() error {

	// setup logger for access requests
	accessLogger, err := createLoggerToFile()
	if err != nil {
		return errors.Wrap(err, "failed to setup logging to file, set logging to stdout")
	}

	defer func() {
		if logErr := accessLogger.Close(); logErr != nil {
			log.Printf("[WARN] can't close access log, %v", logErr)
		}
	}()

	accessPolicy, err := makeAccessPolicy(opts.Access.WhiteList, opts.Access.BlackList)
	if err != nil {
		return err
	}

	registryService, err := makeRegistryService(accessPolicy)
	if err != nil {
		return err
	}

	githubProxy, err := github.NewProxy(opts.Server.FileSize, accessPolicy, opts.Access.Proxy, log.Default())
	if err != nil {
		return errors.Wrap(err, "failed to create github proxy")
	}

	rateLimiter := makeRateLimiter()

	ctx, cancel := context.WithCancel(context.Background())

	srv := server.Server{
		Hostname:  opts.Server.Host,
		Listen:    opts.Listen,
		Port:      opts.Server.Port,
		AccessLog: accessLogger,
		L:         log.Default(),
		Limiter:   rateLimiter,
		Registry:  registryService,
		GitHub:    githubProxy,
		Hub:       hubapi.NewClient(log.Default()),
		Version:   version,
		StartTime: time.Now(),
	}

	// janitor sweeps idle rate buckets for the process lifetime
	go rateLimiter.Run(ctx)

	if opts.Metrics.Listen != "" {
		go func() {
			if metricsErr := server.RunMetrics(opts.Metrics.Listen); metricsErr != nil && metricsErr != http.ErrServerClosed {
				log.Printf("[WARN] metrics server terminated, %v", metricsErr)
			}
		}()
	}

	go func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}

		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	// shutdown server instance on context cancellation
	go func() {
		<-ctx.Done()
		log.Print("[INFO] shutdown initiated")
		srv.Shutdown()
	}()

	err = srv.Run(ctx)
	if err != nil && err == http.ErrServerClosed {
		log.Printf("[WARN] proxy server closed, %v", err) // nolint gocritic
	}
	return err
}

// makeAccessPolicy compiles the configured repo/image patterns, the single
// configured pair feeds both the github and the docker side of the policy.
func makeAccessPolicy(whiteList, blackList []string) (*access.Policy, error) {
	policy, err := access.NewPolicy(access.Lists{
		GitHubAllow: whiteList,
		GitHubDeny:  blackList,
		DockerAllow: whiteList,
		DockerDeny:  blackList,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile access policy")
	}
	return policy, nil
}

// makeRegistryService will prepare registry proxy instance with the
// configured upstream table
func makeRegistryService(policy *access.Policy) (*registry.Registry, error) {

	registries := make(map[string]registry.Descriptor, len(opts.Registries))
	for host, ro := range opts.Registries {
		dialect, err := registry.ParseAuthDialect(ro.AuthType)
		if err != nil {
			return nil, errors.Wrapf(err, "registry %s", host)
		}
		registries[host] = registry.Descriptor{
			Host:         host,
			Upstream:     ro.Upstream,
			AuthEndpoint: ro.AuthHost,
			Dialect:      dialect,
			Enabled:      ro.Enabled,
		}
	}

	ttl, err := time.ParseDuration(opts.TokenCache.DefaultTTL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse token cache ttl")
	}

	settings := registry.Settings{
		Registries:         registries,
		TokenCacheDisabled: !opts.TokenCache.Enabled,
		TokenCacheTTL:      ttl,
		AccessPolicy:       policy,
	}
	return registry.NewRegistry(settings, log.Default()), nil
}

// makeRateLimiter builds the token bucket gate from the configured limits
// and IP lists.
func makeRateLimiter() *limiter.Limiter {
	period := time.Duration(opts.RateLimit.PeriodHours * float64(time.Hour))
	return limiter.NewLimiter(
		opts.RateLimit.RequestLimit,
		period,
		limiter.NewCIDRList(opts.Security.WhiteList),
		limiter.NewCIDRList(opts.Security.BlackList),
	)
}

func sizeParse(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

// createLoggerToFile setup logger to file with rotation and backup
// forward to stdout if logger setup failed
func createLoggerToFile() (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return os.Stdout, nil
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return os.Stdout, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] logger enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}
