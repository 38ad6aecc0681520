package ipam

import (
	"encoding/json"
	"net/http"
	"strconv"

	"ipamd/internal/cidr"
	"ipamd/internal/logs"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

type HTTP struct{ svc *Service }

func NewHTTP(s *Service) *HTTP { return &HTTP{svc: s} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/ipam").Subrouter()

	api.HandleFunc("/namespaces", h.listNamespaces).Methods(http.MethodGet)
	api.HandleFunc("/namespaces", h.createNamespace).Methods(http.MethodPost)
	api.HandleFunc("/namespaces/{id}", h.deleteNamespace).Methods(http.MethodDelete)
	// GET  /api/v1/ipam/namespaces/{id}/verify   inconsistencies, empty when consistent
	// POST /api/v1/ipam/namespaces/{id}/rebuild  rewrite parent pointers
	api.HandleFunc("/namespaces/{id}/verify", h.verify).Methods(http.MethodGet)
	api.HandleFunc("/namespaces/{id}/rebuild", h.rebuild).Methods(http.MethodPost)

	api.HandleFunc("/rirs", h.listRIRs).Methods(http.MethodGet)
	api.HandleFunc("/rirs", h.createRIR).Methods(http.MethodPost)
	api.HandleFunc("/rirs/{id}", h.deleteRIR).Methods(http.MethodDelete)

	api.HandleFunc("/aggregates", h.listAggregates).Methods(http.MethodGet)
	api.HandleFunc("/aggregates", h.createAggregate).Methods(http.MethodPost)
	api.HandleFunc("/aggregates/{id}", h.getAggregate).Methods(http.MethodGet)
	api.HandleFunc("/aggregates/{id}", h.updateAggregate).Methods(http.MethodPatch)
	api.HandleFunc("/aggregates/{id}", h.deleteAggregate).Methods(http.MethodDelete)
	api.HandleFunc("/aggregates/{id}/prefixes", h.aggregatePrefixes).Methods(http.MethodGet)
	api.HandleFunc("/aggregates/{id}/utilization", h.aggregateUtilization).Methods(http.MethodGet)
	// POST /api/v1/ipam/aggregates/{id}/allocate?new_prefix_len=24
	api.HandleFunc("/aggregates/{id}/allocate", h.allocateFromAggregate).Methods(http.MethodPost)

	// GET /api/v1/ipam/prefixes?namespace=Global&within=10.0.0.0/8&status=active
	api.HandleFunc("/prefixes", h.listPrefixes).Methods(http.MethodGet)
	api.HandleFunc("/prefixes", h.createPrefix).Methods(http.MethodPost)
	// GET /api/v1/ipam/prefixes/lookup?namespace=Global&cidr=10.1.0.0/16
	api.HandleFunc("/prefixes/lookup", h.lookupPrefix).Methods(http.MethodGet)
	api.HandleFunc("/prefixes/{id}", h.getPrefix).Methods(http.MethodGet)
	api.HandleFunc("/prefixes/{id}", h.updatePrefix).Methods(http.MethodPatch)
	api.HandleFunc("/prefixes/{id}", h.deletePrefix).Methods(http.MethodDelete)
	api.HandleFunc("/prefixes/{id}/children", h.prefixChildren).Methods(http.MethodGet)
	api.HandleFunc("/prefixes/{id}/ancestors", h.prefixAncestors).Methods(http.MethodGet)
	api.HandleFunc("/prefixes/{id}/utilization", h.prefixUtilization).Methods(http.MethodGet)
	// POST /api/v1/ipam/prefixes/{id}/allocate?new_prefix_len=24
	api.HandleFunc("/prefixes/{id}/allocate", h.allocateChild).Methods(http.MethodPost)
	api.HandleFunc("/prefixes/{id}/available-ip", h.availableIP).Methods(http.MethodGet)
	api.HandleFunc("/prefixes/{id}/available-ip", h.allocateIP).Methods(http.MethodPost)

	api.HandleFunc("/ip-addresses", h.listAddresses).Methods(http.MethodGet)
	api.HandleFunc("/ip-addresses", h.createAddress).Methods(http.MethodPost)
	api.HandleFunc("/ip-addresses/{id}", h.getAddress).Methods(http.MethodGet)
	api.HandleFunc("/ip-addresses/{id}", h.updateAddress).Methods(http.MethodPatch)
	api.HandleFunc("/ip-addresses/{id}", h.deleteAddress).Methods(http.MethodDelete)
	// PUT /api/v1/ipam/ip-addresses/{id}/nat-inside  {"inside_id": 7}
	api.HandleFunc("/ip-addresses/{id}/nat-inside", h.setNATInside).Methods(http.MethodPut)
	api.HandleFunc("/ip-addresses/{id}/nat-inside", h.clearNATInside).Methods(http.MethodDelete)
	api.HandleFunc("/ip-addresses/{id}/nat-outside", h.natOutside).Methods(http.MethodGet)

	api.HandleFunc("/vlan-groups", h.listVLANGroups).Methods(http.MethodGet)
	api.HandleFunc("/vlan-groups", h.createVLANGroup).Methods(http.MethodPost)
	api.HandleFunc("/vlan-groups/{id}", h.deleteVLANGroup).Methods(http.MethodDelete)
	api.HandleFunc("/vlans", h.listVLANs).Methods(http.MethodGet)
	api.HandleFunc("/vlans", h.createVLAN).Methods(http.MethodPost)
	api.HandleFunc("/vlans/{id}", h.getVLAN).Methods(http.MethodGet)
	api.HandleFunc("/vlans/{id}", h.updateVLAN).Methods(http.MethodPatch)
	api.HandleFunc("/vlans/{id}", h.deleteVLAN).Methods(http.MethodDelete)

	// POST /api/v1/ipam/import?format=csv|json
	api.HandleFunc("/import", h.importRecords).Methods(http.MethodPost)
}

// ── helpers ────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps service errors to HTTP status codes.
func StatusOf(err error) int {
	var (
		ve *ValidationError
		oe *OverlapError
		dc *DuplicateCIDRError
		da *DuplicateAddressError
		an *AlreadyNattedError
		dv *DuplicateVLANError
		de *DependentObjectsError
		pu *PrimaryIPInUseError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &oe), errors.As(err, &dc), errors.As(err, &da),
		errors.As(err, &an), errors.As(err, &dv), errors.As(err, &de),
		errors.As(err, &pu), errors.Is(err, ErrExhausted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		logs.Component("ipam-http").WithError(err).Error("request failed")
	}
	http.Error(w, err.Error(), status)
}

func pathID(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

func queryUint(r *http.Request, name string) (*uint, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return nil, invalid(name, s, "must be a positive integer")
	}
	u := uint(v)
	return &u, nil
}

func queryPage(r *http.Request) (Page, error) {
	var p Page
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		s := r.URL.Query().Get(name)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return p, invalid(name, s, "must be a non-negative integer")
		}
		*dst = v
	}
	return p, nil
}

func queryFamily(r *http.Request) (cidr.Family, error) {
	s := r.URL.Query().Get("family")
	if s == "" {
		return 0, nil
	}
	return cidr.ParseFamily(s)
}

// namespaceRef resolves an explicit id, or a name (default Global).
func (h *HTTP) namespaceRef(r *http.Request, id uint, name string) (uint, error) {
	if id != 0 {
		return id, nil
	}
	if name == "" {
		name = DefaultNamespace
	}
	ns, err := h.svc.NamespaceByName(r.Context(), name)
	if err != nil {
		return 0, err
	}
	return ns.ID, nil
}

// queryNamespace is the namespace filter of list endpoints; absent means all.
func (h *HTTP) queryNamespace(r *http.Request) (*uint, error) {
	id, err := queryUint(r, "namespace_id")
	if err != nil || id != nil {
		return id, err
	}
	name := r.URL.Query().Get("namespace")
	if name == "" {
		return nil, nil
	}
	ns, err := h.svc.NamespaceByName(r.Context(), name)
	if err != nil {
		return nil, err
	}
	return &ns.ID, nil
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return invalid("body", "", err.Error())
	}
	return nil
}

// ── namespaces, RIRs ───────────────────────────────────

func (h *HTTP) listNamespaces(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListNamespaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createNamespace(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ns, err := h.svc.CreateNamespace(r.Context(), in.Name, in.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}

func (h *HTTP) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid namespace id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeleteNamespace(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid namespace id", http.StatusBadRequest)
		return
	}
	out, err := h.svc.Verify(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []Inconsistency{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) rebuild(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid namespace id", http.StatusBadRequest)
		return
	}
	n, err := h.svc.Rebuild(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": n})
}

func (h *HTTP) listRIRs(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListRIRs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createRIR(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string `json:"name"`
		IsPrivate   bool   `json:"is_private"`
		Description string `json:"description"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	rir, err := h.svc.CreateRIR(r.Context(), in.Name, in.IsPrivate, in.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rir)
}

func (h *HTTP) deleteRIR(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid rir id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeleteRIR(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── VLANs ──────────────────────────────────────────────

func (h *HTTP) listVLANGroups(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListVLANGroups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createVLANGroup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	g, err := h.svc.CreateVLANGroup(r.Context(), in.Name, in.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *HTTP) deleteVLANGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid vlan group id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeleteVLANGroup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) listVLANs(w http.ResponseWriter, r *http.Request) {
	page, err := queryPage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := VLANFilter{Status: r.URL.Query().Get("status"), Tenant: r.URL.Query().Get("tenant"), Page: page}
	if f.VLANGroupID, err = queryUint(r, "group_id"); err != nil {
		writeError(w, err)
		return
	}
	if s := r.URL.Query().Get("vid"); s != "" {
		if f.VID, err = strconv.Atoi(s); err != nil {
			writeError(w, invalid("vid", s, "not a number"))
			return
		}
	}
	out, err := h.svc.ListVLANs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) createVLAN(w http.ResponseWriter, r *http.Request) {
	var in VLANInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.svc.CreateVLAN(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *HTTP) getVLAN(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid vlan id", http.StatusBadRequest)
		return
	}
	v, err := h.svc.GetVLAN(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *HTTP) updateVLAN(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid vlan id", http.StatusBadRequest)
		return
	}
	var in VLANUpdate
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.svc.UpdateVLAN(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *HTTP) deleteVLAN(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		http.Error(w, "invalid vlan id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeleteVLAN(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
