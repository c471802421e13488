package lookup

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nao1215/astrace/internal/model"
	"github.com/nao1215/astrace/internal/retry"
)

// Operation names, used for logging and metrics.
const (
	OpLocalInformation         = "local_information"
	OpIPToAS                   = "ip_to_as"
	OpIPToGeo                  = "ip_to_geo"
	OpASRelationship           = "as_relationship"
	OpASRelationships          = "as_relationships"
	OpUploadTraceroute         = "upload_traceroute"
	OpUploadTraceroutes        = "upload_traceroutes"
	OpTraceroutesByDestination = "traceroutes_by_destination"
	OpUploadSettings           = "upload_settings"
)

// LocalInformation returns the public address and AS of the caller.
func (c *Client) LocalInformation(ctx context.Context) (LocalInformation, error) {
	var wire localInformation
	if err := c.getJSON(ctx, OpLocalInformation, "myInfo", &wire); err != nil {
		return LocalInformation{}, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(wire.IP))
	if err != nil {
		return LocalInformation{}, fmt.Errorf("%w: %s: bad address %q", ErrInvalidResponse, OpLocalInformation, wire.IP)
	}
	return LocalInformation{
		Address:   addr,
		ASNumber:  wire.AS,
		ASName:    wire.ASName,
		Timestamp: parseTimestamp(wire.Timestamp),
	}, nil
}

// IPToASMappings maps every address to its candidate ASes. The answer holds
// one list per requested address, in request order. An address with an empty
// list maps to no AS.
func (c *Client) IPToASMappings(ctx context.Context, addrs []netip.Addr) (map[netip.Addr][]model.ASInformation, error) {
	if len(addrs) == 0 {
		return map[netip.Addr][]model.ASInformation{}, nil
	}

	var wire [][]ipToASMapping
	if err := c.postForm(ctx, OpIPToAS, "getIp2AsnMappingsByIpsPOST", "ips", joinAddrs(addrs), &wire); err != nil {
		return nil, err
	}
	if len(wire) != len(addrs) {
		return nil, fmt.Errorf("%w: %s: %d answers for %d addresses", ErrInvalidResponse, OpIPToAS, len(wire), len(addrs))
	}

	out := make(map[netip.Addr][]model.ASInformation, len(addrs))
	for i, entries := range wire {
		infos := make([]model.ASInformation, 0, len(entries))
		for _, e := range entries {
			infos = append(infos, e.info())
		}
		out[addrs[i]] = infos
	}
	return out, nil
}

// IPToGeoMappings returns the location of every address the service knows.
func (c *Client) IPToGeoMappings(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]GeoMapping, error) {
	out := make(map[netip.Addr]GeoMapping, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}

	var wire []GeoMapping
	if err := c.postForm(ctx, OpIPToGeo, "getIps2GeoPOST", "ips", joinAddrs(addrs), &wire); err != nil {
		return nil, err
	}
	for _, g := range wire {
		if g.Address.IsValid() {
			out[g.Address] = g
		}
	}
	return out, nil
}

// ASRelationship returns the relationship of as0 towards as1.
func (c *Client) ASRelationship(ctx context.Context, as0, as1 int) (model.RelationshipType, error) {
	var wire relationship
	path := "getASRelationship/" + strconv.Itoa(as0) + "/" + strconv.Itoa(as1)
	if err := c.getJSON(ctx, OpASRelationship, path, &wire); err != nil {
		return model.RelationshipNF, err
	}
	t, err := wire.Code.Type()
	if err != nil {
		return model.RelationshipNF, retry.Permanent(err)
	}
	return t, nil
}

// ASRelationships returns the relationships of several pairs in one request.
// Pairs missing from the answer are absent from the map.
func (c *Client) ASRelationships(ctx context.Context, pairs []Pair) (map[Pair]model.RelationshipType, error) {
	out := make(map[Pair]model.RelationshipType, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}

	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "%d-%d,", p.AS0, p.AS1)
	}

	var wire []relationship
	if err := c.postForm(ctx, OpASRelationships, "getASRelationshipsPOST", "pairs", b.String(), &wire); err != nil {
		return nil, err
	}
	for _, r := range wire {
		t, err := r.Code.Type()
		if err != nil {
			return nil, retry.Permanent(err)
		}
		out[Pair{AS0: r.AS0, AS1: r.AS1}] = t
	}
	return out, nil
}

// UploadASTraceroute uploads one AS-level path and returns the acknowledgement.
func (c *Client) UploadASTraceroute(ctx context.Context, t Traceroute) (string, error) {
	body, err := c.postJSON(ctx, OpUploadTraceroute, "addTracerouteASPOST", t)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// UploadASTraceroutes uploads several AS-level paths in one request.
func (c *Client) UploadASTraceroutes(ctx context.Context, ts []Traceroute) (string, error) {
	body, err := c.postJSON(ctx, OpUploadTraceroutes, "addTracerouteASesPOST", ts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// TraceroutesByDestination returns the AS-level paths the platform holds
// for a destination.
func (c *Client) TraceroutesByDestination(ctx context.Context, destination string) ([]Traceroute, error) {
	var out []Traceroute
	path := "getTracerouteASesByDst/" + url.PathEscape(destination)
	if err := c.getJSON(ctx, OpTraceroutesByDestination, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UploadSettings registers traceroute settings and returns their identifier.
func (c *Client) UploadSettings(ctx context.Context, s TracerouteSettings) (uuid.UUID, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	body, err := c.postJSON(ctx, OpUploadSettings, "addTracerouteSettingsPOST", s)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(strings.Trim(strings.TrimSpace(string(body)), `"`))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %w", ErrInvalidResponse, OpUploadSettings, err)
	}
	return id, nil
}

// joinAddrs renders addresses as "a,b," the way the service expects.
func joinAddrs(addrs []netip.Addr) string {
	var b strings.Builder
	for _, a := range addrs {
		b.WriteString(a.String())
		b.WriteByte(',')
	}
	return b.String()
}
