package repo

import (
	"encoding/json"
	"net/http"
	"strconv"

	"ipamd/internal/cidr"
	"ipamd/internal/ipam"

	"github.com/gorilla/mux"
)

type DeviceHTTP struct{ store *DeviceStore }

func NewDeviceHTTP(s *DeviceStore) *DeviceHTTP { return &DeviceHTTP{store: s} }

func (h *DeviceHTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/dcim").Subrouter()

	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", h.createDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{uuid}", h.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}", h.deleteDevice).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{uuid}/interfaces", h.listInterfaces).Methods(http.MethodGet)
	api.HandleFunc("/devices/{uuid}/interfaces", h.addInterface).Methods(http.MethodPost)
	api.HandleFunc("/devices/{uuid}/ips", h.listDeviceIPs).Methods(http.MethodGet)

	// POST   /api/v1/dcim/interfaces/{id}/ips/{ipID}
	// DELETE /api/v1/dcim/interfaces/{id}/ips/{ipID}
	api.HandleFunc("/interfaces/{id}/ips/{ipID}", h.assignIP).Methods(http.MethodPost)
	api.HandleFunc("/interfaces/{id}/ips/{ipID}", h.unassignIP).Methods(http.MethodDelete)

	// PUT    /api/v1/dcim/devices/{uuid}/primary-ip/{family}  {"ip_address_id": 7}
	// DELETE /api/v1/dcim/devices/{uuid}/primary-ip/{family}
	// GET    /api/v1/dcim/devices/{uuid}/primary-ip
	api.HandleFunc("/devices/{uuid}/primary-ip/{family}", h.setPrimaryIP).Methods(http.MethodPut)
	api.HandleFunc("/devices/{uuid}/primary-ip/{family}", h.clearPrimaryIP).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{uuid}/primary-ip", h.primaryIP).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), ipam.StatusOf(err))
}

func pathUint(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

func (h *DeviceHTTP) listDevices(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DeviceHTTP) createDevice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Name == "" {
		http.Error(w, "invalid body (need {name, kind})", http.StatusBadRequest)
		return
	}
	d, err := h.store.CreateDevice(r.Context(), in.Name, in.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *DeviceHTTP) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDevice(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeviceHTTP) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDevice(r.Context(), mux.Vars(r)["uuid"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHTTP) listInterfaces(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.Interfaces(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DeviceHTTP) addInterface(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body (need {name})", http.StatusBadRequest)
		return
	}
	ifc, err := h.store.AddInterface(r.Context(), mux.Vars(r)["uuid"], in.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ifc)
}

func (h *DeviceHTTP) listDeviceIPs(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.DeviceAddresses(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DeviceHTTP) assignIP(w http.ResponseWriter, r *http.Request) {
	ifID, ok1 := pathUint(r, "id")
	ipID, ok2 := pathUint(r, "ipID")
	if !ok1 || !ok2 {
		http.Error(w, "invalid interface or ip id", http.StatusBadRequest)
		return
	}
	if err := h.store.AssignIP(r.Context(), ifID, ipID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHTTP) unassignIP(w http.ResponseWriter, r *http.Request) {
	ifID, ok1 := pathUint(r, "id")
	ipID, ok2 := pathUint(r, "ipID")
	if !ok1 || !ok2 {
		http.Error(w, "invalid interface or ip id", http.StatusBadRequest)
		return
	}
	if err := h.store.UnassignIP(r.Context(), ifID, ipID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHTTP) setPrimaryIP(w http.ResponseWriter, r *http.Request) {
	fam, err := cidr.ParseFamily(mux.Vars(r)["family"])
	if err != nil {
		writeError(w, err)
		return
	}
	var in struct {
		IPAddressID uint `json:"ip_address_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.IPAddressID == 0 {
		http.Error(w, "invalid body (need {ip_address_id})", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["uuid"]
	if err := h.store.SetPrimaryIP(r.Context(), id, in.IPAddressID, fam); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.store.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeviceHTTP) clearPrimaryIP(w http.ResponseWriter, r *http.Request) {
	fam, err := cidr.ParseFamily(mux.Vars(r)["family"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.ClearPrimaryIP(r.Context(), mux.Vars(r)["uuid"], fam); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHTTP) primaryIP(w http.ResponseWriter, r *http.Request) {
	ip, err := h.store.PrimaryIP(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	if ip == nil {
		http.Error(w, "no primary ip", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ip)
}
