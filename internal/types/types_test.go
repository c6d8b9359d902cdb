package types

import "testing"

func TestKnownType(t *testing.T) {
	if !KnownType(TypePerson) {
		t.Error("person should be a known type")
	}
	if !KnownType(TypeHealthCenter) {
		t.Error("health_center should be a known type")
	}
	if KnownType(EntityType("spaceship")) {
		t.Error("spaceship should not be a known type")
	}
}

func TestGlobalAndShardedTypesDisjoint(t *testing.T) {
	sharded := make(map[EntityType]bool)
	for _, s := range ShardedTypes() {
		sharded[s] = true
	}
	for _, g := range GlobalTypes() {
		if sharded[g] {
			t.Errorf("type %s is both global and sharded", g)
		}
	}
}

func TestTransformField_Date(t *testing.T) {
	got, err := TransformField("birth_date", "2019-03-14T00:00:00Z")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if got != "2019-03-14" {
		t.Errorf("expected 2019-03-14, got %v", got)
	}
}

func TestTransformField_DatePlain(t *testing.T) {
	got, err := TransformField("date_measured", "2024-11-02")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if got != "2024-11-02" {
		t.Errorf("expected 2024-11-02, got %v", got)
	}
}

func TestTransformField_DateList(t *testing.T) {
	got, err := TransformField("closed_dates", []any{"2024-12-25", "2025-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	list, ok := got.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2-element list, got %v", got)
	}
	if list[1] != "2025-01-01" {
		t.Errorf("expected 2025-01-01, got %v", list[1])
	}
}

func TestTransformField_BadDate(t *testing.T) {
	if _, err := TransformField("birth_date", "not-a-date"); err == nil {
		t.Error("expected error for unparseable date")
	}
	if _, err := TransformField("birth_date", 42); err == nil {
		t.Error("expected error for non-string date")
	}
}

func TestTransformField_Passthrough(t *testing.T) {
	got, err := TransformField("first_name", "Amina")
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if got != "Amina" {
		t.Errorf("expected passthrough, got %v", got)
	}
}

func TestProtectedField(t *testing.T) {
	for _, name := range []string{"label", "created", "changed"} {
		if !ProtectedField(name) {
			t.Errorf("%s should be protected", name)
		}
	}
	if ProtectedField("first_name") {
		t.Error("first_name should not be protected")
	}
}

func TestReferenceField(t *testing.T) {
	if !ReferenceField("mother") {
		t.Error("mother should be a reference field")
	}
	if ReferenceField("birth_date") {
		t.Error("birth_date should not be a reference field")
	}
}
