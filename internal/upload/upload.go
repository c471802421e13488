// Package upload publishes aggregated AS paths to the measurement platform.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/astrace/internal/lookup"
	"github.com/nao1215/astrace/internal/measurement"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/retry"
)

// ErrUploadFailed is returned when the platform rejected the paths.
var ErrUploadFailed = errors.New("upload failed")

// Client is the part of the platform API the uploader uses. lookup.Client implements it.
type Client interface {
	IPToGeoMappings(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]lookup.GeoMapping, error)
	UploadASTraceroutes(ctx context.Context, ts []lookup.Traceroute) (string, error)
	UploadSettings(ctx context.Context, s lookup.TracerouteSettings) (uuid.UUID, error)
}

// Receipt describes a finished upload.
type Receipt struct {
	// Uploaded is the number of paths sent.
	Uploaded int

	// Ack is the acknowledgement returned by the platform.
	Ack string

	// SettingsID identifies the registered settings, when they were uploaded.
	SettingsID uuid.UUID
}

// Uploader converts results into platform traceroutes and sends them.
type Uploader struct {
	client   Client
	retry    retry.Config
	logger   *slog.Logger
	settings bool
	now      func() time.Time
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithRetry sets the retry policy of every request.
func WithRetry(cfg retry.Config) Option {
	return func(u *Uploader) {
		u.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithSettings registers the measurement settings before the paths.
func WithSettings(enabled bool) Option {
	return func(u *Uploader) {
		u.settings = enabled
	}
}

// New creates an uploader.
func New(client Client, opts ...Option) *Uploader {
	u := &Uploader{
		client: client,
		retry:  retry.DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload sends the final paths of r. Paths without hops are skipped. A
// failed upload is counted in the result diagnostics and returned wrapped
// in ErrUploadFailed. Failed geo or settings requests only log a warning.
func (u *Uploader) Upload(ctx context.Context, r *model.Result, m *measurement.Measurement) (Receipt, error) {
	var receipt Receipt

	if u.settings && m != nil {
		id, err := u.uploadSettings(ctx, m.Settings)
		if err != nil {
			if ctx.Err() != nil {
				return receipt, ctx.Err()
			}
			u.logger.Warn("failed to upload settings", "destination", r.Destination, "error", err)
		}
		receipt.SettingsID = id
	}

	geo, err := u.client.IPToGeoMappings(ctx, validAddrs(r.PublicAddress, r.DestinationAddress))
	if err != nil {
		if ctx.Err() != nil {
			return receipt, ctx.Err()
		}
		u.logger.Warn("failed to look up locations", "destination", r.Destination, "error", err)
	}

	traceroutes := Traceroutes(r, geo, u.now())
	if len(traceroutes) == 0 {
		return receipt, nil
	}

	var ack string
	_, err = retry.Do(ctx, u.retry, func(ctx context.Context, _ int) error {
		var err error
		ack, err = u.client.UploadASTraceroutes(ctx, traceroutes)
		return err
	})
	if err != nil {
		r.Diagnostics.FailedUploads += len(traceroutes)
		u.logger.Warn("failed to upload paths",
			"destination", r.Destination,
			"paths", len(traceroutes),
			"error", err,
		)
		return receipt, fmt.Errorf("%w: %d paths for %s: %w", ErrUploadFailed, len(traceroutes), r.Destination, err)
	}

	receipt.Uploaded = len(traceroutes)
	receipt.Ack = ack
	u.logger.Debug("uploaded paths", "destination", r.Destination, "paths", len(traceroutes), "ack", ack)
	return receipt, nil
}

func (u *Uploader) uploadSettings(ctx context.Context, s measurement.Settings) (uuid.UUID, error) {
	var id uuid.UUID
	_, err := retry.Do(ctx, u.retry, func(ctx context.Context, _ int) error {
		var err error
		id, err = u.client.UploadSettings(ctx, Settings(s))
		return err
	})
	return id, err
}

// Settings converts measurement settings into their platform form.
func Settings(s measurement.Settings) lookup.TracerouteSettings {
	return lookup.TracerouteSettings{
		AttemptsPerFlow: s.AttemptsPerFlow,
		FlowCount:       s.FlowCount,
		MinHops:         s.MinHops,
		MaxHops:         s.MaxHops,
		AttemptDelay:    s.AttemptDelay,
		HopTimeout:      s.HopTimeout,
		MinPort:         s.MinPort,
		MaxPort:         s.MaxPort,
		DataLength:      s.DataLength,
	}
}

// Traceroutes converts the final paths of r that have hops.
func Traceroutes(r *model.Result, geo map[netip.Addr]lookup.GeoMapping, now time.Time) []lookup.Traceroute {
	out := make([]lookup.Traceroute, 0, len(r.PathsStep4))
	for _, p := range r.PathsStep4 {
		if p == nil || len(p.Hops) == 0 {
			continue
		}
		out = append(out, Traceroute(r, p, geo, now))
	}
	return out
}

// Traceroute converts one path. Every candidate of a hop becomes one entry
// with the hop index; entries of ambiguous hops are marked inferred. A
// missing hop becomes a single entry with AS 0. Unknown source or
// destination ASes are sent as -1.
func Traceroute(r *model.Result, p *model.Path, geo map[netip.Addr]lookup.GeoMapping, now time.Time) lookup.Traceroute {
	src := geo[r.PublicAddress]
	dst := geo[r.DestinationAddress]

	t := lookup.Traceroute{
		SourceAS:           -1,
		SourceIP:           addrString(r.SourceAddress),
		SourcePublicIP:     addrString(r.PublicAddress),
		SourceCity:         src.City,
		SourceCountry:      src.CountryName,
		DestinationAS:      -1,
		DestinationIP:      addrString(r.DestinationAddress),
		Destination:        r.Destination,
		DestinationCity:    dst.City,
		DestinationCountry: dst.CountryName,
		Timestamp:          now.UTC().Format(time.RFC3339),
		AttemptIDs:         []string{},
		Hops:               hops(p),
		Relationships:      make([]lookup.TracerouteRelationship, 0, len(p.Relationships)),
	}
	if info, ok := first(p.Hops[0]); ok {
		t.SourceAS, t.SourceASName = info.Number, info.Name
	}
	if info, ok := first(p.Hops[len(p.Hops)-1]); ok {
		t.DestinationAS, t.DestinationASName = info.Number, info.Name
	}

	for _, e := range p.Relationships {
		t.Relationships = append(t.Relationships, lookup.TracerouteRelationship{
			Relationship: e.Type,
			AS0:          e.AS0,
			AS1:          e.AS1,
			Hop:          e.Hop,
		})
	}

	stats := model.ComputeStats(p)
	if p.Stats != nil {
		stats = *p.Stats
	}
	t.Stats = lookup.TracerouteStats{
		ASHops:    stats.ASHops,
		C2PRels:   stats.C2P,
		P2PRels:   stats.P2P,
		P2CRels:   stats.P2C,
		S2SRels:   stats.S2S,
		IXPRels:   stats.IXP,
		NFRels:    stats.NF,
		Completed: stats.Completed,
		Flags:     uint32(p.Flags),
	}
	return t
}

func hops(p *model.Path) []lookup.TracerouteHop {
	out := make([]lookup.TracerouteHop, 0, len(p.Hops))
	for i, h := range p.Hops {
		numbers := h.Numbers()
		if len(numbers) == 0 {
			out = append(out, lookup.TracerouteHop{Hop: i, Type: model.KindAS})
			continue
		}
		for _, n := range numbers {
			info, _ := h.Candidate(n)
			out = append(out, lookup.TracerouteHop{
				Hop:        i,
				AS:         info.Number,
				ASName:     info.Name,
				IXPName:    info.IXPName,
				Type:       info.Kind,
				IsInferred: len(numbers) > 1,
			})
		}
	}
	return out
}

// first returns the first known candidate of h.
func first(h model.Hop) (model.ASInformation, bool) {
	numbers := h.Numbers()
	if len(numbers) == 0 {
		return model.ASInformation{}, false
	}
	return h.Candidate(numbers[0])
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func validAddrs(addrs ...netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.IsValid() {
			out = append(out, a)
		}
	}
	return out
}
