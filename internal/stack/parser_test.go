package stack

import (
	"strings"
	"testing"
)

func TestParseTwoServiceStack(t *testing.T) {
	t.Parallel()

	doc, err := Parse(strings.NewReader(`
version: "1"
stack:
  name: demo
volumes:
  data: {}
services:
  db:
    image: postgres:16
    ports: ["5432:5432"]
    volumes: ["data:/var/lib/postgresql/data"]
  api:
    image: ghcr.io/demo/api:latest
    dependsOn: [db]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Stack.Name != "demo" {
		t.Fatalf("unexpected stack name %q", doc.Stack.Name)
	}
	names := doc.ServiceNames()
	if len(names) != 2 || names[0] != "db" || names[1] != "api" {
		t.Fatalf("declaration order not preserved: %v", names)
	}
	db := doc.Services.Specs["db"]
	if db.Restart != RestartNever {
		t.Fatalf("unexpected default restart policy %q", db.Restart)
	}
	if db.MaxRetries == nil || *db.MaxRetries != 3 {
		t.Fatalf("unexpected default maxRetries %v", db.MaxRetries)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(`
version: "1"
stack:
  name: demo
services:
  api:
    image: demo:latest
    scale: 4
`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	if !strings.Contains(err.Error(), "scale") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseSurfacesValidationErrors(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(`
version: "1"
stack:
  name: demo
services:
  api:
    image: demo:latest
    dependsOn: [db]
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), `references unknown service "db"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCloneServiceMapIsDeep(t *testing.T) {
	t.Parallel()

	doc, err := Parse(strings.NewReader(`
version: "1"
stack:
  name: demo
services:
  api:
    image: demo:latest
    env:
      MODE: dev
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	clone := CloneServiceMap(doc.Services)
	clone.Specs["api"].Env["MODE"] = "prod"
	if doc.Services.Specs["api"].Env["MODE"] != "dev" {
		t.Fatalf("clone mutated the original service map")
	}
}
