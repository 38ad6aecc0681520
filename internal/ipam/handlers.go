package ipam

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ── aggregates ─────────────────────────────────────────

func (h *HTTP) listAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := AggregateFilter{Tenant: q.Get("tenant"), Within: q.Get("within"), Page: page}
	if f.NamespaceID, err = h.queryNamespace(r); err != nil {
		writeError(w, err)
		return
	}
	if f.RIRID, err = queryUint(r, "rir_id"); err != nil {
		writeError(w, err)
		return
	}
	if name := q.Get("rir"); name != "" && f.RIRID == nil {
		rir, err := h.svc.RIRByName(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		f.RIRID = &rir.ID
	}
	if f.Family, err = queryFamily(r); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.ListAggregates(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createAggregate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AggregateInput
		Namespace string `json:"namespace"`
		RIR       string `json:"rir"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	nsID, err := h.namespaceRef(r, in.NamespaceID, in.Namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	in.AggregateInput.NamespaceID = nsID
	if in.RIRID == 0 {
		if in.RIR == "" {
			http.Error(w, "rir or rir_id required", http.StatusBadRequest)
			return
		}
		rir, err := h.svc.RIRByName(r.Context(), in.RIR)
		if err != nil {
			writeError(w, err)
			return
		}
		in.AggregateInput.RIRID = rir.ID
	}
	a, err := h.svc.CreateAggregate(r.Context(), in.AggregateInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *HTTP) getAggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid aggregate id", http.StatusBadRequest)
		return
	}
	a, err := h.svc.GetAggregate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *HTTP) updateAggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid aggregate id", http.StatusBadRequest)
		return
	}
	var in AggregateUpdate
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	a, err := h.svc.UpdateAggregate(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *HTTP) deleteAggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid aggregate id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeleteAggregate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) aggregatePrefixes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid aggregate id", http.StatusBadRequest)
		return
	}
	out, err := h.svc.AggregatePrefixes(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) aggregateUtilization(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid aggregate id", http.StatusBadRequest)
		return
	}
	u, err := h.svc.AggregateUtilization(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// allocation attributes come from the query string, like the length
func allocAttrs(r *http.Request) PrefixInput {
	q := r.URL.Query()
	return PrefixInput{
		Type:        q.Get("type"),
		Status:      q.Get("status"),
		Role:        q.Get("role"),
		Tenant:      q.Get("tenant"),
		Description: q.Get("description"),
	}
}

func newPrefixLen(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.URL.Query().Get("new_prefix_len"))
	return n, err == nil && n > 0
}

func (h *HTTP) allocateFromAggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid aggregate id", http.StatusBadRequest)
		return
	}
	n, ok := newPrefixLen(r)
	if !ok {
		http.Error(w, "new_prefix_len required", http.StatusBadRequest)
		return
	}
	p, err := h.svc.AllocateAggregatePrefix(r.Context(), id, n, allocAttrs(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ── prefixes ───────────────────────────────────────────

func (h *HTTP) listPrefixes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := PrefixFilter{
		Type:          q.Get("type"),
		Status:        q.Get("status"),
		Role:          q.Get("role"),
		Tenant:        q.Get("tenant"),
		Within:        q.Get("within"),
		WithinInclude: q.Get("within_include"),
		Contains:      q.Get("contains"),
		Page:          page,
	}
	if f.NamespaceID, err = h.queryNamespace(r); err != nil {
		writeError(w, err)
		return
	}
	if f.ParentID, err = queryUint(r, "parent_id"); err != nil {
		writeError(w, err)
		return
	}
	if f.Family, err = queryFamily(r); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.ListPrefixes(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createPrefix(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PrefixInput
		Namespace string `json:"namespace"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	nsID, err := h.namespaceRef(r, in.NamespaceID, in.Namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	in.PrefixInput.NamespaceID = nsID
	p, err := h.svc.CreatePrefix(r.Context(), in.PrefixInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *HTTP) lookupPrefix(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns := q.Get("namespace")
	if ns == "" {
		ns = DefaultNamespace
	}
	p, err := h.svc.PrefixByKey(r.Context(), ns, q.Get("cidr"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTP) getPrefix(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	p, err := h.svc.GetPrefix(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTP) updatePrefix(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	var in PrefixUpdate
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	p, err := h.svc.UpdatePrefix(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTP) deletePrefix(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeletePrefix(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) prefixChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	pfxs, addrs, err := h.svc.PrefixChildren(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefixes": pfxs, "ip_addresses": addrs})
}

func (h *HTTP) prefixAncestors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	out, err := h.svc.Ancestors(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []Ref{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) prefixUtilization(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	u, err := h.svc.PrefixUtilization(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *HTTP) allocateChild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid parent id", http.StatusBadRequest)
		return
	}
	n, ok := newPrefixLen(r)
	if !ok {
		http.Error(w, "new_prefix_len required", http.StatusBadRequest)
		return
	}
	p, err := h.svc.AllocatePrefix(r.Context(), id, n, allocAttrs(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *HTTP) availableIP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	a, err := h.svc.NextAvailableIP(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": a.String()})
}

func (h *HTTP) allocateIP(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid prefix id", http.StatusBadRequest)
		return
	}
	var in AddressInput
	if r.ContentLength != 0 {
		if err := decode(r, &in); err != nil {
			writeError(w, err)
			return
		}
	}
	ip, err := h.svc.AllocateIP(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ip)
}

// ── ip addresses ───────────────────────────────────────

func (h *HTTP) listAddresses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := AddressFilter{
		Status:  q.Get("status"),
		Role:    q.Get("role"),
		DNSName: q.Get("dns_name"),
		Within:  q.Get("within"),
		Page:    page,
	}
	if f.NamespaceID, err = h.queryNamespace(r); err != nil {
		writeError(w, err)
		return
	}
	if f.ParentID, err = queryUint(r, "parent_id"); err != nil {
		writeError(w, err)
		return
	}
	if f.Family, err = queryFamily(r); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.ListAddresses(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createAddress(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AddressInput
		Namespace string `json:"namespace"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	nsID, err := h.namespaceRef(r, in.NamespaceID, in.Namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	in.AddressInput.NamespaceID = nsID
	ip, err := h.svc.CreateAddress(r.Context(), in.AddressInput)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ip)
}

func (h *HTTP) getAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid ip address id", http.StatusBadRequest)
		return
	}
	ip, err := h.svc.GetAddress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ip)
}

func (h *HTTP) updateAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid ip address id", http.StatusBadRequest)
		return
	}
	var in AddressUpdate
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ip, err := h.svc.UpdateAddress(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ip)
}

func (h *HTTP) deleteAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid ip address id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeleteAddress(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) setNATInside(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid ip address id", http.StatusBadRequest)
		return
	}
	var in struct {
		InsideID uint `json:"inside_id"`
	}
	if err := decode(r, &in); err != nil || in.InsideID == 0 {
		http.Error(w, "invalid body (need {inside_id})", http.StatusBadRequest)
		return
	}
	if err := h.svc.SetNATInside(r.Context(), id, in.InsideID); err != nil {
		writeError(w, err)
		return
	}
	ip, err := h.svc.GetAddress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ip)
}

func (h *HTTP) clearNATInside(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid ip address id", http.StatusBadRequest)
		return
	}
	if err := h.svc.ClearNATInside(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) natOutside(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid ip address id", http.StatusBadRequest)
		return
	}
	ip, err := h.svc.NATOutside(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if ip == nil {
		http.Error(w, "no nat outside address", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ip)
}

// ── import ─────────────────────────────────────────────

func (h *HTTP) importRecords(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" && strings.Contains(r.Header.Get("Content-Type"), "csv") {
		format = "csv"
	}
	var (
		recs []Record
		err  error
	)
	body := io.LimitReader(r.Body, 32<<20)
	switch format {
	case "csv":
		recs, err = ParseCSV(body)
	case "", "json":
		recs, err = ParseJSON(body)
	default:
		http.Error(w, "format must be csv or json", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.svc.Import(r.Context(), recs)
	if err != nil {
		writeJSON(w, StatusOf(err), map[string]any{"error": err.Error(), "imported": res})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
