package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables startup
// and health verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check in order
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":              "Author directory",
		"messages":           "Batch chat history",
		"channels":           "Channel definitions",
		"channel_members":    "Channel membership",
		"channel_messages":   "Channel history",
		"conversations":      "DM conversation pairs",
		"direct_messages":    "DM history",
		"blocks":             "Block relation",
		"notifications":      "Durable notifications",
		"push_subscriptions": "Web push endpoints",
		"schema_migrations":  "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column types for the tables the stores scan into
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := []struct {
		name    string
		columns map[string]string
	}{
		{"messages", map[string]string{
			"id":         "TEXT",
			"content":    "TEXT",
			"room_id":    "TEXT",
			"sender_id":  "TEXT",
			"year":       "INTEGER",
			"branch":     "TEXT",
			"is_deleted": "INTEGER",
			"created_at": "DATETIME",
		}},
		{"channels", map[string]string{
			"id":          "TEXT",
			"name":        "TEXT",
			"description": "TEXT",
			"type":        "TEXT",
			"owner_id":    "TEXT",
			"is_default":  "INTEGER",
			"created_at":  "DATETIME",
		}},
		{"conversations", map[string]string{
			"id":         "TEXT",
			"user_a":     "TEXT",
			"user_b":     "TEXT",
			"created_at": "DATETIME",
			"updated_at": "DATETIME",
		}},
		{"notifications", map[string]string{
			"id":           "TEXT",
			"recipient_id": "TEXT",
			"kind":         "TEXT",
			"payload":      "TEXT",
			"read":         "INTEGER",
			"created_at":   "DATETIME",
		}},
	}

	for _, table := range tables {
		if err := v.validateColumns(table.name, table.columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table.name, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_messages_room_time":            "Room history retrieval",
		"idx_channel_members_user":          "Channels for user",
		"idx_channel_messages_channel_time": "Channel history retrieval",
		"idx_conversations_user_a":          "Conversation listing",
		"idx_conversations_user_b":          "Conversation listing",
		"idx_direct_messages_conv_time":     "DM history retrieval",
		"idx_notifications_recipient":       "Unread notification queries",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that database constraints are enforced
// ARCHITECTURAL DISCOVERY: Probes run inside a rolled-back transaction so no test rows survive
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// room_id must agree with year and branch
	_, err = tx.Exec(`
		INSERT INTO messages (id, content, room_id, sender_id, year, branch, created_at)
		VALUES ('schema-probe', 'x', 'room_2025_ECE', 'probe', 2025, 'CSE', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: messages.room_id")
	}

	// channel_members.channel_id -> channels.id
	_, err = tx.Exec(`
		INSERT INTO channel_members (channel_id, user_id, joined_at)
		VALUES ('schema-probe-missing', 'probe', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: channel_members.channel_id")
	}

	// conversation pairs are stored sorted
	_, err = tx.Exec(`
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES ('schema-probe', 'zeta', 'alpha', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: conversations participant order")
	}

	return nil
}

// tableExists checks if a table exists in the database
func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// indexExists checks if an index exists in the database
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue any
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
