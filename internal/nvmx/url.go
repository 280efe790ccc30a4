package nvmx

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// DefaultReplicaPort is the default NVMe-oF initiator target port.
const DefaultReplicaPort = 8420

// ConnectParams is the parsed form of an initiator URL:
// nvmf://HOST[:PORT]/SUBNQN[?reftag=..&guard=..&uuid=..].
type ConnectParams struct {
	Host   string
	Port   uint16
	Subnqn string
	Reftag bool
	Guard  bool
	UUID   uuid.UUID // zero value means "not overridden"
}

// ControllerName derives the controller name from Subnqn: namespace 1 is
// the only one supported.
func (p ConnectParams) ControllerName() string { return p.Subnqn + "n1" }

var allowedQueryParams = map[string]struct{}{
	"reftag": {},
	"guard":  {},
	"uuid":   {},
}

// ParseURL parses an NVMe-oF initiator URL.
func ParseURL(raw string) (ConnectParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ConnectParams{}, errs.Wrap(errs.KindInvalidArgument, err, "parse nvmf url %q", raw)
	}
	if u.Scheme != "nvmf" {
		return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: missing host", raw)
	}

	port := uint16(DefaultReplicaPort)
	if p := u.Port(); p != "" {
		n, perr := strconv.ParseUint(p, 10, 16)
		if perr != nil {
			return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: bad port %q", raw, p)
		}
		port = uint16(n)
	}

	subnqn := strings.TrimPrefix(u.Path, "/")
	if subnqn == "" {
		return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: missing subnqn", raw)
	}

	q := u.Query()
	for k := range q {
		if _, ok := allowedQueryParams[k]; !ok {
			return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: unknown query parameter %q", raw, k)
		}
	}

	params := ConnectParams{Host: u.Hostname(), Port: port, Subnqn: subnqn}
	if v := q.Get("reftag"); v != "" {
		params.Reftag, err = strconv.ParseBool(v)
		if err != nil {
			return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: bad reftag", raw)
		}
	}
	if v := q.Get("guard"); v != "" {
		params.Guard, err = strconv.ParseBool(v)
		if err != nil {
			return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: bad guard", raw)
		}
	}
	if v := q.Get("uuid"); v != "" {
		parsed, uerr := uuid.Parse(v)
		if uerr != nil {
			return ConnectParams{}, errs.New(errs.KindInvalidArgument, "nvmf url %q: bad uuid", raw)
		}
		params.UUID = parsed
	}

	return params, nil
}
