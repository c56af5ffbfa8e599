package sqlclass

import "testing"

func TestClassify_Select(t *testing.T) {
	c := Classify("SELECT * FROM users WHERE id = 1")
	if c.Kind != KindSelect || c.Table != "users" || c.IsMutation {
		t.Fatalf("unexpected classification: %+v", c)
	}
	if c.Hint != HintDefault {
		t.Fatalf("expected default hint, got %s", c.Hint)
	}
}

func TestClassify_StrongHint(t *testing.T) {
	c := Classify("/*+ strong */ SELECT * FROM users WHERE id=1")
	if c.Hint != HintStrong {
		t.Fatalf("expected strong hint, got %s", c.Hint)
	}
	if c.Table != "users" {
		t.Fatalf("expected table users, got %s", c.Table)
	}
}

func TestClassify_BoundedHintWithN(t *testing.T) {
	c := Classify("/*+ bounded 5000 */ SELECT * FROM orders")
	if c.Hint != HintBounded || c.BoundedMs != 5000 {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassify_WeakMapsToCached(t *testing.T) {
	c := Classify("/*+ weak */ SELECT 1")
	if c.Hint != HintCached {
		t.Fatalf("expected cached hint, got %s", c.Hint)
	}
}

func TestClassify_Insert(t *testing.T) {
	c := Classify("INSERT INTO users (name) VALUES ('John')")
	if c.Kind != KindInsert || !c.IsMutation || c.Table != "users" {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassify_Update(t *testing.T) {
	c := Classify("UPDATE users SET name='x' WHERE id=1")
	if c.Kind != KindUpdate || !c.IsMutation || c.Table != "users" {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassify_Delete(t *testing.T) {
	c := Classify("DELETE FROM users WHERE id=1")
	if c.Kind != KindDelete || !c.IsMutation || c.Table != "users" {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassify_DDL(t *testing.T) {
	c := Classify("CREATE TABLE t1_orders (id INT)")
	if c.Kind != KindDDL || !c.IsMutation || c.Table != "t1_orders" {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassify_Malformed(t *testing.T) {
	c := Classify("   ")
	if c.Kind != KindOther {
		t.Fatalf("expected OTHER, got %s", c.Kind)
	}

	c2 := Classify("FOO BAR BAZ")
	if c2.Kind != KindOther {
		t.Fatalf("expected OTHER, got %s", c2.Kind)
	}
}

func TestResolveDefault(t *testing.T) {
	if ResolveDefault(HintDefault) != HintBounded {
		t.Fatal("expected default to resolve to bounded")
	}
	if ResolveDefault(HintStrong) != HintStrong {
		t.Fatal("expected strong to pass through")
	}
}

func TestIsUnguardedDestructiveDDL(t *testing.T) {
	cases := []struct {
		sql      string
		unguarded bool
	}{
		{"DROP TABLE users", true},
		{"DROP TABLE IF EXISTS users", false},
		{"TRUNCATE TABLE users", true},
		{"CREATE TABLE IF NOT EXISTS users (id INT)", false},
		{"SELECT 1", false},
	}
	for _, tc := range cases {
		if got := IsUnguardedDestructiveDDL(tc.sql); got != tc.unguarded {
			t.Errorf("IsUnguardedDestructiveDDL(%q) = %v, want %v", tc.sql, got, tc.unguarded)
		}
	}
}
