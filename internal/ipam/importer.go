package ipam

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"ipamd/internal/cidr"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Record kinds accepted by Import.
const (
	RecordAggregate = "aggregate"
	RecordPrefix    = "prefix"
	RecordAddress   = "ip-address"
)

// Record is one row of a bulk import. CIDR holds the address for
// ip-address records.
type Record struct {
	Kind        string `json:"kind"`
	Namespace   string `json:"namespace"`
	CIDR        string `json:"cidr"`
	RIR         string `json:"rir"`
	RIRPrivate  bool   `json:"rir_private"`
	Status      string `json:"status"`
	Role        string `json:"role"`
	Type        string `json:"type"`
	Tenant      string `json:"tenant"`
	DNSName     string `json:"dns_name"`
	Description string `json:"description"`

	Line int `json:"-"`
}

type ImportResult struct {
	Aggregates int `json:"aggregates"`
	Prefixes   int `json:"prefixes"`
	Addresses  int `json:"ip_addresses"`
}

// ImportError ties a failure to its input line (CSV) or element (JSON).
type ImportError struct {
	Line int
	Err  error
}

func (e *ImportError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *ImportError) Unwrap() error { return e.Err }

var csvColumns = []string{"kind", "namespace", "cidr", "rir", "rir_private", "status", "role", "type", "tenant", "dns_name", "description"}

// ParseCSV reads records from CSV with a header row. Only kind and cidr are
// required columns; column order is free.
func ParseCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, need := range []string{"kind", "cidr"} {
		if _, ok := idx[need]; !ok {
			return nil, invalid("header", strings.Join(header, ","), "missing column "+need)
		}
	}
	for h := range idx {
		if !slices.Contains(csvColumns, h) {
			return nil, invalid("header", h, "unknown column")
		}
	}

	var out []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &ImportError{Line: pe.Line, Err: pe.Err}
			}
			return nil, errors.Wrap(err, "read csv")
		}
		line, _ := cr.FieldPos(0)
		get := func(col string) string {
			if i, ok := idx[col]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		priv, err := parseBool("rir_private", get("rir_private"))
		if err != nil {
			return nil, &ImportError{Line: line, Err: err}
		}
		out = append(out, Record{
			Kind:        strings.ToLower(get("kind")),
			Namespace:   get("namespace"),
			CIDR:        get("cidr"),
			RIR:         get("rir"),
			RIRPrivate:  priv,
			Status:      get("status"),
			Role:        get("role"),
			Type:        get("type"),
			Tenant:      get("tenant"),
			DNSName:     get("dns_name"),
			Description: get("description"),
			Line:        line,
		})
	}
}

// ParseJSON reads a JSON array of records; Line is the element position,
// starting at 1.
func ParseJSON(r io.Reader) ([]Record, error) {
	var out []Record
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode json records")
	}
	for i := range out {
		out[i].Line = i + 1
		out[i].Kind = strings.ToLower(strings.TrimSpace(out[i].Kind))
	}
	return out, nil
}

func kindRank(k string) int {
	switch k {
	case RecordAggregate:
		return 0
	case RecordPrefix:
		return 1
	}
	return 2
}

// Import applies records as one write: either every record is stored or,
// on the first failure, none is. Namespaces and RIRs are created on first
// reference, inside the same transaction. The resulting hierarchy does not
// depend on record order; records are still applied aggregates first and from
// the shortest prefix down, which keeps re-parenting work small.
func (s *Service) Import(ctx context.Context, recs []Record) (*ImportResult, error) {
	ordered := make([]Record, len(recs))
	copy(ordered, recs)
	bits := func(r Record) int {
		if p, err := cidr.ParsePrefix(r.CIDR); err == nil {
			return p.Bits()
		}
		return 128
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if kindRank(a.Kind) != kindRank(b.Kind) {
			return kindRank(a.Kind) < kindRank(b.Kind)
		}
		return bits(a) < bits(b)
	})

	// Existing namespaces are locked for the whole batch. New ones are
	// created inside it and stay invisible to other writers until commit.
	var nsIDs []uint
	seen := map[string]bool{}
	for _, r := range ordered {
		name := recordNamespace(r)
		if seen[name] {
			continue
		}
		seen[name] = true
		ns, err := s.NamespaceByName(ctx, name)
		if err == nil {
			nsIDs = append(nsIDs, ns.ID)
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return &ImportResult{}, err
		}
	}

	var res ImportResult
	err := s.write(ctx, "import", func(tx *gorm.DB) error {
		b := &importBatch{
			svc:    s,
			tx:     tx,
			res:    &res,
			locked: nsIDs,
			ns:     map[string]uint{},
			rirs:   map[string]uint{},
		}
		for _, r := range ordered {
			if err := b.apply(r); err != nil {
				return &ImportError{Line: r.Line, Err: err}
			}
		}
		return nil
	}, nsIDs...)
	if err != nil {
		return &ImportResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"aggregates": res.Aggregates, "prefixes": res.Prefixes, "ip_addresses": res.Addresses,
	}).Info("import finished")
	return &res, nil
}

func recordNamespace(r Record) string {
	if r.Namespace == "" {
		return DefaultNamespace
	}
	return r.Namespace
}

// importBatch carries the state of one Import transaction.
type importBatch struct {
	svc    *Service
	tx     *gorm.DB
	res    *ImportResult
	locked []uint
	ns     map[string]uint
	rirs   map[string]uint
}

func (b *importBatch) namespace(name string) (uint, error) {
	if id, ok := b.ns[name]; ok {
		return id, nil
	}
	ns, err := namespaceByName(b.tx, name)
	switch {
	case err == nil:
		// created by someone else since the batch started
		if !slices.Contains(b.locked, ns.ID) {
			if err := lockNamespace(b.tx, ns.ID); err != nil {
				return 0, err
			}
		}
	case errors.Is(err, ErrNotFound):
		n, err := trimName("namespace", name, 100)
		if err != nil {
			return 0, err
		}
		if ns, err = createNamespace(b.tx, n, ""); err != nil {
			return 0, err
		}
	default:
		return 0, err
	}
	b.ns[name] = ns.ID
	return ns.ID, nil
}

func (b *importBatch) rir(name string, private bool) (uint, error) {
	if id, ok := b.rirs[name]; ok {
		return id, nil
	}
	rir, err := rirByName(b.tx, name)
	if errors.Is(err, ErrNotFound) {
		var n string
		if n, err = trimName("rir", name, 100); err != nil {
			return 0, err
		}
		rir, err = createRIR(b.tx, n, private, "")
	}
	if err != nil {
		return 0, err
	}
	b.rirs[name] = rir.ID
	return rir.ID, nil
}

func (b *importBatch) apply(r Record) error {
	switch r.Kind {
	case RecordAggregate, RecordPrefix, RecordAddress:
	default:
		return invalid("kind", r.Kind, "must be aggregate, prefix or ip-address")
	}
	nsID, err := b.namespace(recordNamespace(r))
	if err != nil {
		return err
	}

	switch r.Kind {
	case RecordAggregate:
		if r.RIR == "" {
			return invalid("rir", "", "required for aggregates")
		}
		rirID, err := b.rir(r.RIR, r.RIRPrivate)
		if err != nil {
			return err
		}
		agg, err := newAggregate(AggregateInput{
			NamespaceID: nsID, CIDR: r.CIDR, RIRID: rirID, Tenant: r.Tenant, Description: r.Description,
		})
		if err != nil {
			return err
		}
		if err := b.svc.insertAggregate(b.tx, agg); err != nil {
			return err
		}
		b.res.Aggregates++
	case RecordPrefix:
		p, err := newPrefix(PrefixInput{
			NamespaceID: nsID, CIDR: r.CIDR, Type: r.Type, Status: r.Status, Role: r.Role,
			Tenant: r.Tenant, Description: r.Description,
		})
		if err != nil {
			return err
		}
		if err := b.svc.insertPrefix(b.tx, p); err != nil {
			return err
		}
		b.res.Prefixes++
	case RecordAddress:
		ip, err := newAddress(AddressInput{
			NamespaceID: nsID, Address: r.CIDR, Status: r.Status, Role: r.Role,
			DNSName: r.DNSName, Description: r.Description,
		})
		if err != nil {
			return err
		}
		if err := b.svc.insertAddress(b.tx, ip); err != nil {
			return err
		}
		b.res.Addresses++
	}
	return nil
}
