package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// helper creates an echo context with the given roles set on the request context.
func newContextWithRoles(method, path string, roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

var okHandler = func(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// TestRequireRole_AdminAccessesAll verifies that the admin role can access any
// role-protected endpoint regardless of which roles are listed.
func TestRequireRole_AdminAccessesAll(t *testing.T) {
	domainRoles := [][]string{
		{"physician", "nurse"},
		{"billing"},
		{"pharmacist"},
		{"pharmacist", "physician"},
		{"nurse"},
	}

	for _, roles := range domainRoles {
		c, _ := newContextWithRoles(http.MethodGet, "/", []string{"admin"})
		mw := RequireRole(roles...)
		err := mw(okHandler)(c)
		if err != nil {
			t.Errorf("admin should access endpoint requiring %v, got error: %v", roles, err)
		}
	}
}

// TestRequireRole_PharmacistAccessesDispensing verifies that a pharmacist can
// reach the formulary, stock, and dispensing endpoints.
func TestRequireRole_PharmacistAccessesDispensing(t *testing.T) {
	// Formulary write: admin, pharmacist
	c, _ := newContextWithRoles(http.MethodPost, "/drugs", []string{"pharmacist"})
	mw := RequireRole("admin", "pharmacist")
	err := mw(okHandler)(c)
	if err != nil {
		t.Errorf("pharmacist should write to formulary endpoints, got error: %v", err)
	}

	// Dispense: admin, pharmacist
	c, _ = newContextWithRoles(http.MethodPost, "/dispenses", []string{"pharmacist"})
	mw = RequireRole("admin", "pharmacist")
	err = mw(okHandler)(c)
	if err != nil {
		t.Errorf("pharmacist should dispense, got error: %v", err)
	}
}

// TestRequireRole_NurseAccessesAdministration verifies that a nurse can read
// stock and record medication administrations but cannot dispense.
func TestRequireRole_NurseAccessesAdministration(t *testing.T) {
	// Stock read: admin, pharmacist, physician, nurse
	c, _ := newContextWithRoles(http.MethodGet, "/lots", []string{"nurse"})
	mw := RequireRole("admin", "pharmacist", "physician", "nurse")
	err := mw(okHandler)(c)
	if err != nil {
		t.Errorf("nurse should read stock endpoints, got error: %v", err)
	}

	// Administration write: admin, nurse
	c, _ = newContextWithRoles(http.MethodPost, "/mar/entries", []string{"nurse"})
	mw = RequireRole("admin", "nurse")
	err = mw(okHandler)(c)
	if err != nil {
		t.Errorf("nurse should record administrations, got error: %v", err)
	}

	// Dispense write: admin, pharmacist -- nurse NOT included
	c, _ = newContextWithRoles(http.MethodPost, "/dispenses", []string{"nurse"})
	mw = RequireRole("admin", "pharmacist")
	err = mw(okHandler)(c)
	if err == nil {
		t.Error("nurse should NOT dispense")
	}
}

// TestRequireRole_PhysicianPrescribesOnly verifies that a physician can create
// prescriptions but cannot adjust stock.
func TestRequireRole_PhysicianPrescribesOnly(t *testing.T) {
	// Prescription write: admin, physician
	c, _ := newContextWithRoles(http.MethodPost, "/prescriptions", []string{"physician"})
	mw := RequireRole("admin", "physician")
	err := mw(okHandler)(c)
	if err != nil {
		t.Errorf("physician should create prescriptions, got error: %v", err)
	}

	// Stock write: admin, pharmacist -- physician NOT included
	c, _ = newContextWithRoles(http.MethodPost, "/lots", []string{"physician"})
	mw = RequireRole("admin", "pharmacist")
	err = mw(okHandler)(c)
	if err == nil {
		t.Error("physician should NOT adjust stock")
	}
}

// TestRequireRole_BillingAccessesBilling verifies that the billing role can
// reach billing endpoints and nothing clinical.
func TestRequireRole_BillingAccessesBilling(t *testing.T) {
	// Billing read: admin, pharmacist, billing
	c, _ := newContextWithRoles(http.MethodGet, "/bills", []string{"billing"})
	mw := RequireRole("admin", "pharmacist", "billing")
	err := mw(okHandler)(c)
	if err != nil {
		t.Errorf("billing role should read billing endpoints, got error: %v", err)
	}

	// Prescription write: admin, physician -- billing NOT included
	c, _ = newContextWithRoles(http.MethodPost, "/prescriptions", []string{"billing"})
	mw = RequireRole("admin", "physician")
	err = mw(okHandler)(c)
	if err == nil {
		t.Error("billing role should NOT create prescriptions")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403 Forbidden, got %d", httpErr.Code)
	}
}

// TestRequireRole_AuditIsAdminOnly verifies that only admins can read the
// audit trail.
func TestRequireRole_AuditIsAdminOnly(t *testing.T) {
	for _, role := range []string{"pharmacist", "physician", "nurse", "billing"} {
		c, _ := newContextWithRoles(http.MethodGet, "/audit", []string{role})
		mw := RequireRole("admin")
		err := mw(okHandler)(c)
		if err == nil {
			t.Errorf("role %s should NOT read the audit trail", role)
		}
	}

	c, _ := newContextWithRoles(http.MethodGet, "/audit", []string{"admin"})
	mw := RequireRole("admin")
	if err := mw(okHandler)(c); err != nil {
		t.Errorf("admin should read the audit trail, got error: %v", err)
	}
}

// TestRequireRole_NoRoleDenied verifies that a request with no roles is denied
// access to any role-protected endpoint.
func TestRequireRole_NoRoleDenied(t *testing.T) {
	// Empty roles slice
	c, _ := newContextWithRoles(http.MethodGet, "/prescriptions", []string{})
	mw := RequireRole("admin", "physician", "nurse")
	err := mw(okHandler)(c)
	if err == nil {
		t.Error("empty roles should be denied")
	}

	// Nil roles (no context value)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/prescriptions", nil)
	rec := httptest.NewRecorder()
	c = e.NewContext(req, rec)
	err = mw(okHandler)(c)
	if err == nil {
		t.Error("nil roles should be denied")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403 Forbidden, got %d", httpErr.Code)
	}
}
