package db

import (
	"fmt"

	"ipamd/internal/models"

	"gorm.io/gorm"
)

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&models.Namespace{},
		&models.RIR{},
		&models.Aggregate{},
		&models.Prefix{},
		&models.IPAddress{},
		&models.VLANGroup{},
		&models.VLAN{},
		&models.Device{},
		&models.Interface{},
		&models.InterfaceIPAddress{},
	}
}

// MigrateLegacyColumns renames vrf_id -> namespace_id on tables created before
// namespaces replaced VRFs as the partitioning key.
func MigrateLegacyColumns(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	for _, table := range []string{"aggregates", "prefixes", "ip_addresses"} {
		if !db.Migrator().HasTable(table) {
			continue
		}
		hasOld := db.Migrator().HasColumn(table, "vrf_id")
		hasNew := db.Migrator().HasColumn(table, "namespace_id")
		if !hasOld || hasNew {
			continue
		}
		if err := db.Migrator().RenameColumn(table, "vrf_id", "namespace_id"); err != nil {
			var e error
			switch dialect {
			case "mysql":
				e = db.Exec(fmt.Sprintf("ALTER TABLE `%s` CHANGE COLUMN `vrf_id` `namespace_id` bigint unsigned", table)).Error
			case "postgres":
				e = db.Exec(fmt.Sprintf(`ALTER TABLE "%s" RENAME COLUMN "vrf_id" TO "namespace_id"`, table)).Error
			case "sqlite":
				e = db.Exec(fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN vrf_id TO namespace_id`, table)).Error
			default:
				e = err
			}
			if e != nil {
				return fmt.Errorf("rename %s.vrf_id -> namespace_id: %w", table, e)
			}
		}
	}
	return nil
}

// MigrateLegacyPoolFlag converts the old prefixes.is_pool flag into
// type=pool. The column itself is left in place.
func MigrateLegacyPoolFlag(db *gorm.DB) error {
	if db == nil || !db.Migrator().HasColumn("prefixes", "is_pool") {
		return nil
	}
	err := db.Exec("UPDATE prefixes SET type = ? WHERE is_pool = ? AND (type IS NULL OR type = '' OR type = ?)",
		models.PrefixTypePool, true, models.PrefixTypeNetwork).Error
	if err != nil {
		return fmt.Errorf("convert prefixes.is_pool: %w", err)
	}
	return nil
}

type uniqueIndex struct {
	name    string
	table   string
	columns string
	extra   string // additional partial-index condition
}

var uniqueIndexes = []uniqueIndex{
	{name: "ux_namespaces_name", table: "namespaces", columns: "name"},
	{name: "ux_rirs_name", table: "rirs", columns: "name"},
	{name: "ux_aggregates_ns_cidr", table: "aggregates", columns: "namespace_id, cidr"},
	{name: "ux_prefixes_ns_cidr", table: "prefixes", columns: "namespace_id, cidr"},
	{name: "ux_ip_addresses_ns_host", table: "ip_addresses", columns: "namespace_id, host"},
	{name: "ux_vlan_groups_name", table: "vlan_groups", columns: "name"},
	{name: "ux_vlans_group_vid", table: "vlans", columns: "vlan_group_id, vid", extra: "vlan_group_id IS NOT NULL"},
	{name: "ux_vlans_group_name", table: "vlans", columns: "vlan_group_id, name", extra: "vlan_group_id IS NOT NULL"},
	{name: "ux_devices_primary_ip4", table: "devices", columns: "primary_ip4_id", extra: "primary_ip4_id IS NOT NULL"},
	{name: "ux_devices_primary_ip6", table: "devices", columns: "primary_ip6_id", extra: "primary_ip6_id IS NOT NULL"},
}

// indexStatement renders ix for dialect. Rows are soft deleted, so only live
// rows may collide. postgres and sqlite get partial indexes. mysql has none
// and instead indexes a functional key part that is 1 for live rows and NULL
// for deleted ones (mysql 8.0.13+); NULLs never collide in a unique index.
func indexStatement(dialect string, ix uniqueIndex) (string, error) {
	switch dialect {
	case "mysql":
		return fmt.Sprintf("CREATE UNIQUE INDEX `%s` ON `%s` (%s, (IF(`deleted_at` IS NULL, 1, NULL)))",
			ix.name, ix.table, ix.columns), nil
	case "postgres", "sqlite":
		where := "deleted_at IS NULL"
		if ix.extra != "" {
			where += " AND " + ix.extra
		}
		return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE %s", ix.name, ix.table, ix.columns, where), nil
	}
	return "", fmt.Errorf("unsupported dialect: %s", dialect)
}

// MigrateUniqueIndexes creates the natural-key indexes.
func MigrateUniqueIndexes(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	for _, ix := range uniqueIndexes {
		if dialect == "mysql" && db.Migrator().HasIndex(ix.table, ix.name) {
			continue
		}
		stmt, err := indexStatement(dialect, ix)
		if err != nil {
			return err
		}
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}
