// Package ssmbackend runs remote commands through AWS Systems Manager
// Run Command (AWS-RunShellScript) and maps its invocation states onto
// remote.Status.
package ssmbackend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"golang.org/x/time/rate"
)

const (
	DefaultDocument = "AWS-RunShellScript"

	// minDeliveryTimeout is the smallest TimeoutSeconds SendCommand accepts.
	minDeliveryTimeout = 30 * time.Second
)

type Config struct {
	Region            string        `yaml:"region" json:"region"`
	Profile           string        `yaml:"profile" json:"profile"`
	Document          string        `yaml:"document" json:"document"`
	VisibilityGrace   time.Duration `yaml:"visibilityGrace" json:"visibilityGrace" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" json:"requestsPerSecond" validate:"gte=0"`
	Burst             int           `yaml:"burst" json:"burst" validate:"gte=0"`
	// SkipPingCheck sends without asking whether the instance's agent is
	// online, for roles that may not call DescribeInstanceInformation.
	SkipPingCheck bool `yaml:"skipPingCheck" json:"skipPingCheck"`
}

func DefaultConfig() Config {
	return Config{
		Document:          DefaultDocument,
		VisibilityGrace:   15 * time.Second,
		RequestsPerSecond: 5,
		Burst:             2,
	}
}

// API is the part of the SSM client the backend calls. *ssm.Client satisfies it.
type API interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	DescribeInstanceInformation(ctx context.Context, in *ssm.DescribeInstanceInformationInput, optFns ...func(*ssm.Options)) (*ssm.DescribeInstanceInformationOutput, error)
}

type Option func(*Backend)

func WithLogger(l lg.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend implements remote.Backend on top of SSM Run Command.
type Backend struct {
	api     API
	cfg     Config
	limiter *rate.Limiter
	logger  lg.Logger
	now     func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time // command id -> our SendCommand time
}

// New loads the default AWS configuration chain (environment, shared
// config, instance role) for cfg.Region and cfg.Profile.
func New(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithAPI(ssm.NewFromConfig(awsCfg), cfg, opts...), nil
}

// NewWithAPI builds a Backend around an existing client.
func NewWithAPI(api API, cfg Config, opts ...Option) *Backend {
	def := DefaultConfig()
	if cfg.Document == "" {
		cfg.Document = def.Document
	}
	if cfg.VisibilityGrace == 0 {
		cfg.VisibilityGrace = def.VisibilityGrace
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst == 0 {
		cfg.Burst = def.Burst
	}
	b := &Backend{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  lg.Discard,
		now:     time.Now,
		sent:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Send(ctx context.Context, req remote.CommandRequest) (remote.Handle, error) {
	in, err := b.sendInput(req)
	if err != nil {
		return remote.Handle{}, err
	}
	if !b.cfg.SkipPingCheck {
		if err := b.checkOnline(ctx, req.Target); err != nil {
			return remote.Handle{}, err
		}
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return remote.Handle{}, fmt.Errorf("send to %s: %w", req.Target, err)
	}
	out, err := b.api.SendCommand(ctx, in)
	if err != nil {
		return remote.Handle{}, mapSendError(req.Target, err)
	}
	if out.Command == nil || aws.ToString(out.Command.CommandId) == "" {
		return remote.Handle{}, fmt.Errorf("send to %s: response without command id", req.Target)
	}

	h := remote.Handle{ID: aws.ToString(out.Command.CommandId), Target: req.Target}
	b.mu.Lock()
	b.sent[h.ID] = b.now()
	b.mu.Unlock()
	b.logger.Debug("ssm command sent",
		lg.String("commandId", h.ID),
		lg.String("instance", h.Target),
		lg.String("document", b.cfg.Document))
	return h, nil
}

// checkOnline fails with ErrTargetUnreachable unless SSM lists target with an
// online agent. SendCommand alone accepts instances whose agent is gone and
// leaves the invocation pending until it expires.
func (b *Backend) checkOnline(ctx context.Context, target string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	out, err := b.api.DescribeInstanceInformation(ctx, &ssm.DescribeInstanceInformationInput{
		Filters: []types.InstanceInformationStringFilter{{
			Key:    aws.String("InstanceIds"),
			Values: []string{target},
		}},
	})
	if err != nil {
		return mapSendError(target, err)
	}
	for _, info := range out.InstanceInformationList {
		if aws.ToString(info.InstanceId) != target {
			continue
		}
		if info.PingStatus != types.PingStatusOnline {
			return fmt.Errorf("%w: %s: agent is %s", remote.ErrTargetUnreachable, target, info.PingStatus)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: not a managed instance", remote.ErrTargetUnreachable, target)
}

func (b *Backend) Invocation(ctx context.Context, h remote.Handle) (remote.Result, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return remote.Result{}, err
	}
	out, err := b.api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(h.ID),
		InstanceId: aws.String(h.Target),
	})
	if err != nil {
		return b.mapInvocationError(h, err)
	}

	status, terminal := mapStatus(out.Status)
	res := remote.Result{
		Handle:     h,
		Status:     status,
		Stdout:     aws.ToString(out.StandardOutputContent),
		Stderr:     aws.ToString(out.StandardErrorContent),
		Code:       int(out.ResponseCode),
		Detail:     aws.ToString(out.StatusDetails),
		StartedAt:  parseTime(aws.ToString(out.ExecutionStartDateTime)),
		FinishedAt: parseTime(aws.ToString(out.ExecutionEndDateTime)),
	}
	if res.Detail == "" {
		res.Detail = string(out.Status)
	}
	if !terminal {
		res.Code = -1
	}
	return res, nil
}

func (b *Backend) sendInput(req remote.CommandRequest) (*ssm.SendCommandInput, error) {
	prelude, err := remote.SecretPrelude(req.SecretEnv, func(ref string) string {
		return "aws ssm get-parameter --name " + remote.ShellQuote(ref) +
			" --with-decryption --query Parameter.Value --output text"
	})
	if err != nil {
		return nil, err
	}

	params := make(map[string][]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = []string{v}
	}
	if _, ok := params["commands"]; ok {
		return nil, fmt.Errorf("%w: parameter \"commands\" is reserved", remote.ErrInvalidCommand)
	}
	params["commands"] = []string{prelude + req.Command}

	delivery := minDeliveryTimeout
	if req.Timeout > 0 {
		if _, ok := params["executionTimeout"]; !ok {
			params["executionTimeout"] = []string{strconv.Itoa(int(req.Timeout.Round(time.Second) / time.Second))}
		}
		if req.Timeout > delivery {
			delivery = req.Timeout
		}
	}

	in := &ssm.SendCommandInput{
		DocumentName:   aws.String(b.cfg.Document),
		InstanceIds:    []string{req.Target},
		Parameters:     params,
		TimeoutSeconds: aws.Int32(int32(delivery / time.Second)),
	}
	if req.Comment != "" {
		in.Comment = aws.String(req.Comment)
	}
	return in, nil
}

// mapStatus reports the remote.Status for s and whether s is terminal.
func mapStatus(s types.CommandInvocationStatus) (remote.Status, bool) {
	switch s {
	case types.CommandInvocationStatusSuccess:
		return remote.StatusSuccess, true
	case types.CommandInvocationStatusFailed:
		return remote.StatusFailed, true
	case types.CommandInvocationStatusTimedOut:
		return remote.StatusTimedOut, true
	case types.CommandInvocationStatusCancelled:
		return remote.StatusCancelled, true
	default:
		// Pending, InProgress, Delayed, Cancelling
		return remote.StatusPending, false
	}
}

func mapSendError(target string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("send to %s: %w", target, err)
		}
		return fmt.Errorf("%w: %s: %v", remote.ErrTargetUnreachable, target, err)
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceId", "UnsupportedPlatformType", "InvalidInstanceInformationFilterValue":
		return fmt.Errorf("%w: %s: %s", remote.ErrTargetUnreachable, target, apiErr.ErrorMessage())
	case "InvalidDocument", "InvalidParameters", "InvalidDocumentVersion", "InvalidOutputFolder":
		return fmt.Errorf("%w: %s: %s", remote.ErrInvalidCommand, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("send to %s: %w", target, err)
}

func (b *Backend) mapInvocationError(h remote.Handle, err error) (remote.Result, error) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return remote.Result{}, fmt.Errorf("get invocation %s: %w", h, err)
	}
	switch apiErr.ErrorCode() {
	case "InvocationDoesNotExist":
		b.mu.Lock()
		sentAt, ours := b.sent[h.ID]
		b.mu.Unlock()
		if ours && b.now().Sub(sentAt) < b.cfg.VisibilityGrace {
			// freshly sent commands take a moment to show up
			return remote.Result{Handle: h, Status: remote.StatusPending, Code: -1, Detail: "Pending"}, nil
		}
		return remote.Result{}, fmt.Errorf("%w: %s", remote.ErrNotFound, h)
	case "InvalidCommandId", "InvalidInstanceId":
		return remote.Result{}, fmt.Errorf("%w: %s: %s", remote.ErrNotFound, h, apiErr.ErrorMessage())
	}
	return remote.Result{}, fmt.Errorf("get invocation %s: %w", h, err)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
