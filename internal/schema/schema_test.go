package schema

import "testing"

func TestClassifyType(t *testing.T) {
	cases := []struct {
		declared string
		want     ColumnType
	}{
		{"INTEGER", TypeInt},
		{"bigint", TypeInt},
		{"NUMERIC", TypeInt},
		{"REAL", TypeFloat},
		{"double precision", TypeFloat},
		{"DECIMAL(10,2)", TypeFloat},
		{"FLOAT", TypeFloat},
		{"BOOLEAN", TypeBool},
		{"DATE", TypeDate},
		{"DATETIME", TypeDatetime},
		{"TIMESTAMP", TypeDatetime},
		{"TIME", TypeTime},
		{"VARCHAR(20)", TypeText},
		{"", TypeText},
	}
	for _, c := range cases {
		if got := ClassifyType(c.declared); got != c.want {
			t.Fatalf("ClassifyType(%q)=%v, want %v", c.declared, got, c.want)
		}
	}
}

func testSchema() *Schema {
	return &Schema{
		DDL: "CREATE TABLE customers(id INTEGER PRIMARY KEY, name TEXT)",
		Tables: []Table{
			{
				Name: "customers",
				Columns: []Column{
					{Name: "id", DeclaredType: "INTEGER", Type: TypeInt, PKPosition: 1},
					{Name: "email", DeclaredType: "TEXT", Type: TypeText},
				},
				PrimaryKey: []string{"id"},
				Indexes: []Index{
					{Name: "ux_email", Columns: []string{"email"}, Unique: true},
					{Name: "ix_pair", Columns: []string{"id", "email"}, Unique: true},
					{Name: "ix_plain", Columns: []string{"email"}},
				},
			},
			{
				Name: "orders",
				Columns: []Column{
					{Name: "id", DeclaredType: "INT", Type: TypeInt, PKPosition: 1},
					{Name: "customer_id", DeclaredType: "INTEGER", Type: TypeInt},
				},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []ForeignKey{{Table: "orders", Column: "customer_id", RefTable: "customers", RefColumn: "id"}},
			},
		},
	}
}

func TestUniquenessGroups(t *testing.T) {
	s := testSchema()
	tbl, ok := s.TableByName("CUSTOMERS")
	if !ok {
		t.Fatalf("expected case-insensitive lookup")
	}
	groups := tbl.UniquenessGroups()
	if len(groups) != 2 {
		t.Fatalf("expected pk + single unique index, got %v", groups)
	}
	if groups[0][0] != "id" || groups[1][0] != "email" {
		t.Fatalf("unexpected groups: %v", groups)
	}
	if !tbl.UniqueKey("email") || tbl.UniqueKey("name") {
		t.Fatalf("unexpected unique key detection")
	}
}

func TestRowIDAlias(t *testing.T) {
	s := testSchema()
	customers, _ := s.TableByName("customers")
	orders, _ := s.TableByName("orders")
	if !customers.RowIDAlias() {
		t.Fatalf("INTEGER PRIMARY KEY should alias the rowid")
	}
	if orders.RowIDAlias() {
		t.Fatalf("INT PRIMARY KEY is not a rowid alias")
	}
}

func TestValidate(t *testing.T) {
	s := testSchema()
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	s.Tables[1].ForeignKeys[0].RefColumn = "missing"
	if err := s.Validate(); err == nil {
		t.Fatalf("expected unresolved parent column error")
	}
	s.Tables[1].ForeignKeys[0].RefTable = "nope"
	if err := s.Validate(); err == nil {
		t.Fatalf("expected unresolved parent table error")
	}
}

func TestIDStableUnderWhitespace(t *testing.T) {
	a := &Schema{DDL: "CREATE TABLE t (a INT)"}
	b := &Schema{DDL: "create  table t\n(a int)"}
	c := &Schema{DDL: "CREATE TABLE t (b INT)"}
	if a.ID() != b.ID() {
		t.Fatalf("expected whitespace/case-insensitive id")
	}
	if a.ID() == c.ID() {
		t.Fatalf("expected different ids for different schemas")
	}
	if len(a.ID()) != 16 {
		t.Fatalf("unexpected id length: %s", a.ID())
	}
}
