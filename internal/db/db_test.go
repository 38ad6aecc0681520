package db

import (
	"bytes"
	"testing"

	"ipamd/internal/logs"
	"ipamd/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	d, err := Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "")
	assert.Error(t, err)

	d, err := Open("", "")
	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestMigrateCreatesSchema(t *testing.T) {
	d := openMemory(t)
	require.NoError(t, Migrate(d))
	// second run is a no-op
	require.NoError(t, Migrate(d))

	for _, table := range []string{"namespaces", "rirs", "aggregates", "prefixes", "ip_addresses", "vlans", "vlan_groups", "devices", "interfaces", "interface_ip_addresses"} {
		assert.True(t, d.Migrator().HasTable(table), table)
	}
	assert.True(t, d.Migrator().HasColumn("prefixes", "parent_aggregate_id"))
	assert.True(t, d.Migrator().HasColumn("ip_addresses", "nat_inside_id"))
}

func TestUniqueIndexIgnoresSoftDeletedRows(t *testing.T) {
	d := openMemory(t)
	require.NoError(t, Migrate(d))

	p := &models.Prefix{NamespaceID: 1, CIDR: "10.0.0.0/8"}
	require.NoError(t, d.Create(p).Error)
	assert.Error(t, d.Create(&models.Prefix{NamespaceID: 1, CIDR: "10.0.0.0/8"}).Error)
	assert.NoError(t, d.Create(&models.Prefix{NamespaceID: 2, CIDR: "10.0.0.0/8"}).Error)

	require.NoError(t, d.Delete(p).Error)
	assert.NoError(t, d.Create(&models.Prefix{NamespaceID: 1, CIDR: "10.0.0.0/8"}).Error)
}

func TestUniqueIndexOnPrimaryAddresses(t *testing.T) {
	d := openMemory(t)
	require.NoError(t, Migrate(d))

	ip := uint(42)
	first := &models.Device{UUID: uuid.NewString(), Name: "edge-1", PrimaryIP4ID: &ip}
	require.NoError(t, d.Create(first).Error)
	assert.Error(t, d.Create(&models.Device{UUID: uuid.NewString(), Name: "edge-2", PrimaryIP4ID: &ip}).Error)
	assert.NoError(t, d.Create(&models.Device{UUID: uuid.NewString(), Name: "edge-3", PrimaryIP6ID: &ip}).Error)
	// unset primaries never collide
	assert.NoError(t, d.Create(&models.Device{UUID: uuid.NewString(), Name: "edge-4"}).Error)
	assert.NoError(t, d.Create(&models.Device{UUID: uuid.NewString(), Name: "edge-5"}).Error)

	require.NoError(t, d.Delete(first).Error)
	assert.NoError(t, d.Create(&models.Device{UUID: uuid.NewString(), Name: "edge-2", PrimaryIP4ID: &ip}).Error)
}

func TestIndexStatementMySQLExcludesDeletedRows(t *testing.T) {
	stmt, err := indexStatement("mysql", uniqueIndex{name: "ux_prefixes_ns_cidr", table: "prefixes", columns: "namespace_id, cidr"})
	require.NoError(t, err)
	assert.Equal(t, "CREATE UNIQUE INDEX `ux_prefixes_ns_cidr` ON `prefixes` (namespace_id, cidr, (IF(`deleted_at` IS NULL, 1, NULL)))", stmt)
	assert.NotContains(t, stmt, ", `deleted_at`)")

	stmt, err = indexStatement("postgres", uniqueIndex{name: "ux_vlans_group_vid", table: "vlans", columns: "vlan_group_id, vid", extra: "vlan_group_id IS NOT NULL"})
	require.NoError(t, err)
	assert.Equal(t, "CREATE UNIQUE INDEX IF NOT EXISTS ux_vlans_group_vid ON vlans (vlan_group_id, vid) WHERE deleted_at IS NULL AND vlan_group_id IS NOT NULL", stmt)

	_, err = indexStatement("oracle", uniqueIndex{})
	assert.Error(t, err)
}

func TestQueryLogGoesThroughProcessLogger(t *testing.T) {
	var buf bytes.Buffer
	out := logs.Logger.Out
	logs.Logger.SetOutput(&buf)
	t.Cleanup(func() { logs.Logger.SetOutput(out) })

	d := openMemory(t)
	require.NoError(t, Migrate(d))
	buf.Reset()

	var p models.Prefix
	assert.ErrorIs(t, d.First(&p, 999).Error, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "a missing row is not logged")

	require.NoError(t, d.Create(&models.Prefix{NamespaceID: 1, CIDR: "10.0.0.0/8"}).Error)
	require.Error(t, d.Create(&models.Prefix{NamespaceID: 1, CIDR: "10.0.0.0/8"}).Error)
	assert.Contains(t, buf.String(), "component=gorm")
	assert.Contains(t, buf.String(), "level=warning")
}

func TestMigrateLegacyVRFColumnAndPoolFlag(t *testing.T) {
	d := openMemory(t)
	require.NoError(t, d.Exec(`CREATE TABLE prefixes (
		id integer PRIMARY KEY AUTOINCREMENT,
		vrf_id integer,
		is_pool numeric
	)`).Error)
	require.NoError(t, d.Exec(`INSERT INTO prefixes (vrf_id, is_pool) VALUES (7, 1), (7, 0)`).Error)

	require.NoError(t, Migrate(d))
	assert.True(t, d.Migrator().HasColumn("prefixes", "namespace_id"))
	assert.False(t, d.Migrator().HasColumn("prefixes", "vrf_id"))

	var ps []models.Prefix
	require.NoError(t, d.Order("id").Find(&ps).Error)
	require.Len(t, ps, 2)
	assert.Equal(t, uint(7), ps[0].NamespaceID)
	assert.Equal(t, models.PrefixTypePool, ps[0].Type)
	assert.Equal(t, "", ps[1].Type)
}
