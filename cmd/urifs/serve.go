package main

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/urifs/pkg/server/httpapi"
	"github.com/jacktea/urifs/pkg/server/middleware"
	"github.com/jacktea/urifs/pkg/server/s3gw"
)

type httpServeOptions struct {
	Addr       string
	APIKey     string
	PageSize   int
	PageMax    int
	RateLimit  int
	RateWindow time.Duration
}

type s3ServeOptions struct {
	Addr       string
	Bucket     string
	Buckets    map[string]string
	Staging    string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Expose every registered scheme over an HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:       viper.GetString("serve_http.addr"),
				APIKey:     viper.GetString("serve_http.api_key"),
				PageSize:   viper.GetInt("serve_http.page_size"),
				PageMax:    viper.GetInt("serve_http.page_max"),
				RateLimit:  viper.GetInt("serve_http.rate_limit"),
				RateWindow: viper.GetDuration("serve_http.rate_window"),
			}
			return application.runServeHTTP(opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key or Bearer token)")
	cmd.Flags().Int("page-size", 100, "default page size for directory listings")
	cmd.Flags().Int("page-max", 1000, "maximum page size for directory listings")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_http.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_http.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_http.page_size", cmd.Flags().Lookup("page-size"))
	bindConfig("serve_http.page_max", cmd.Flags().Lookup("page-max"))
	bindConfig("serve_http.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_http.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Expose directory URIs as buckets of an S3-compatible gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := s3ServeOptions{
				Addr:       viper.GetString("serve_s3.addr"),
				Bucket:     viper.GetString("serve_s3.bucket"),
				Buckets:    viper.GetStringMapString("serve_s3.buckets"),
				Staging:    viper.GetString("serve_s3.staging"),
				APIKey:     viper.GetString("serve_s3.api_key"),
				RateLimit:  viper.GetInt("serve_s3.rate_limit"),
				RateWindow: viper.GetDuration("serve_s3.rate_window"),
			}
			return application.runServeS3(opts)
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().StringToString("bucket-map", nil, "bucket=URI pairs served as buckets (repeatable)")
	cmd.Flags().String("bucket", "", "bucket assumed when a request path names none")
	cmd.Flags().String("staging", "", "URI where multipart parts are kept (default mem:///s3gw-uploads/)")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key header)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_s3.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_s3.buckets", cmd.Flags().Lookup("bucket-map"))
	bindConfig("serve_s3.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("serve_s3.staging", cmd.Flags().Lookup("staging"))
	bindConfig("serve_s3.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_s3.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_s3.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func rateLimit(requests int, window time.Duration) middleware.RateLimitOptions {
	if requests <= 0 {
		return middleware.RateLimitOptions{}
	}
	return middleware.RateLimitOptions{Requests: requests, Window: window}
}

func (a *app) runServeHTTP(opt httpServeOptions) error {
	server := &httpapi.Server{
		Manager: a.manager,
		Log:     a.log,
		Opts: httpapi.Options{
			APIKey:          opt.APIKey,
			DefaultPageSize: opt.PageSize,
			MaxPageSize:     opt.PageMax,
			RateLimit:       rateLimit(opt.RateLimit, opt.RateWindow),
		},
	}
	return server.Start(a.ctx, opt.Addr)
}

func (a *app) runServeS3(opt s3ServeOptions) error {
	if len(opt.Buckets) == 0 {
		return errors.New("serve-s3: at least one --bucket-map name=URI is required")
	}
	if opt.Bucket != "" {
		if _, ok := opt.Buckets[opt.Bucket]; !ok {
			return errors.New("serve-s3: --bucket must name a mapped bucket")
		}
	}
	names := make([]string, 0, len(opt.Buckets))
	for name := range opt.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	a.log.Debug().Str("buckets", strings.Join(names, ",")).Msg("s3 gateway buckets")
	server := &s3gw.Server{
		Manager: a.manager,
		Log:     a.log,
		Opt: s3gw.Options{
			Buckets:   opt.Buckets,
			Bucket:    opt.Bucket,
			Staging:   opt.Staging,
			APIKey:    opt.APIKey,
			RateLimit: rateLimit(opt.RateLimit, opt.RateWindow),
		},
	}
	return server.Start(a.ctx, opt.Addr)
}
