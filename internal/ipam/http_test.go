package ipam

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ipamd/internal/models"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*fixture, *mux.Router) {
	t.Helper()
	f := newFixture(t)
	r := mux.NewRouter()
	NewHTTP(f.svc).RegisterRoutes(r)
	return f, r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHTTPHierarchyFlow(t *testing.T) {
	f, r := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/v1/ipam/rirs", `{"name":"ARIN"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/aggregates", `{"cidr":"10.0.0.0/8","rir":"RFC1918"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var agg models.Aggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, f.ns, agg.NamespaceID)

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/aggregates", `{"cidr":"10.1.0.0/16","rir_id":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "overlapping aggregate")

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/aggregates", `{"cidr":"11.0.0.0/8"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/prefixes", `{"cidr":"10.1.0.0/16","namespace":"Global"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p16 models.Prefix
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p16))
	require.NotNil(t, p16.ParentAggregateID)
	assert.Equal(t, agg.ID, *p16.ParentAggregateID)

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/prefixes", `{"cidr":"10.1.0.0/33"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, r, http.MethodPost, "/api/v1/ipam/prefixes", `{"cidr":"10.1.0.0/16"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate prefix")
	rec = do(t, r, http.MethodPost, "/api/v1/ipam/prefixes", `{"cidr":"10.2.0.0/16","namespace":"nowhere"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, r, http.MethodGet, "/api/v1/ipam/prefixes/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, r, http.MethodGet, "/api/v1/ipam/prefixes/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/ipam/prefixes/%d/allocate?new_prefix_len=24", p16.ID), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p24 models.Prefix
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p24))
	assert.Equal(t, "10.1.0.0/24", p24.CIDR)
	require.NotNil(t, p24.ParentID)
	assert.Equal(t, p16.ID, *p24.ParentID)

	rec = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/ipam/prefixes/%d/allocate", p16.ID), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/ipam/prefixes/%d/available-ip", p24.ID), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inside models.IPAddress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inside))
	assert.Equal(t, "10.1.0.1/24", inside.Address)

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/ip-addresses", `{"address":"203.0.113.10/24"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var outside models.IPAddress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outside))

	path := fmt.Sprintf("/api/v1/ipam/ip-addresses/%d/nat-inside", outside.ID)
	rec = do(t, r, http.MethodPut, path, fmt.Sprintf(`{"inside_id":%d}`, inside.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, r, http.MethodPut, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/ipam/ip-addresses/%d/nat-outside", inside.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var back models.IPAddress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &back))
	assert.Equal(t, outside.ID, back.ID)

	rec = do(t, r, http.MethodGet, fmt.Sprintf("/api/v1/ipam/namespaces/%d/verify", f.ns), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, r, http.MethodPost, fmt.Sprintf("/api/v1/ipam/namespaces/%d/rebuild", f.ns), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":0}`, rec.Body.String())

	rec = do(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/ipam/rirs/%d", f.rir), "")
	assert.Equal(t, http.StatusConflict, rec.Code, "rir still has aggregates")
}

func TestHTTPImport(t *testing.T) {
	f, r := newTestRouter(t)

	csv := "kind,cidr,rir\naggregate,172.16.0.0/12,RFC1918\nprefix,172.16.0.0/16,\n"
	rec := do(t, r, http.MethodPost, "/api/v1/ipam/import?format=csv", csv)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"aggregates":1,"prefixes":1,"ip_addresses":0}`, rec.Body.String())

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/import", `[{"kind":"prefix","cidr":"172.16.0.0/16"}]`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Error    string        `json:"error"`
		Imported *ImportResult `json:"imported"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.Error, "line 1:"), body.Error)
	assert.Zero(t, body.Imported.Prefixes)

	rec = do(t, r, http.MethodPost, "/api/v1/ipam/import?format=xml", "<x/>")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, r, http.MethodPost, "/api/v1/ipam/import?format=csv", "kind,bogus\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.requireConsistent(t, f.ns)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{invalid("cidr", "x", "bad"), http.StatusBadRequest},
		{notFound("prefix", 1), http.StatusNotFound},
		{errors.Wrap(notFound("prefix", 1), "load"), http.StatusNotFound},
		{&OverlapError{}, http.StatusConflict},
		{&DuplicateCIDRError{}, http.StatusConflict},
		{&DuplicateAddressError{}, http.StatusConflict},
		{&AlreadyNattedError{}, http.StatusConflict},
		{&DuplicateVLANError{}, http.StatusConflict},
		{&DependentObjectsError{}, http.StatusConflict},
		{errors.Wrap(ErrExhausted, "allocate"), http.StatusConflict},
		{&ImportError{Line: 3, Err: &DuplicateCIDRError{}}, http.StatusConflict},
		{&HierarchyError{}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), "%T", tt.err)
	}
}
