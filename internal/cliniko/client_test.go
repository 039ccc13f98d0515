package cliniko

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		APIKey:    "test-key",
		BaseURL:   srv.URL,
		UserAgent: "VoiceBook/test",
		Limiter:   NewRateLimiter(100, time.Minute),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestBasicAuthAndUserAgent(t *testing.T) {
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("test-key:"))
	var gotAuth, gotUA string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, `{"businesses":[],"links":{}}`)
	}))

	if _, err := c.ListBusinesses(context.Background()); err != nil {
		t.Fatalf("list businesses: %v", err)
	}
	if gotAuth != wantAuth {
		t.Fatalf("auth header = %q, want %q", gotAuth, wantAuth)
	}
	if gotUA != "VoiceBook/test" {
		t.Fatalf("user agent = %q", gotUA)
	}
}

func TestPaginationFollowsNextLinks(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	calls := 0
	mux.HandleFunc("/practitioners", func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.URL.Query().Get("page") {
		case "":
			fmt.Fprintf(w, `{"practitioners":[{"id":1,"first_name":"Jane","last_name":"Smith","active":true}],"links":{"next":"%s/practitioners?page=2"}}`, srv.URL)
		case "2":
			fmt.Fprint(w, `{"practitioners":[{"id":2,"first_name":"John","last_name":"Doe","active":false}],"links":{}}`)
		default:
			http.Error(w, "unexpected page", http.StatusBadRequest)
		}
	})
	c, s := testClient(t, mux)
	srv = s

	practitioners, err := c.ListPractitioners(context.Background())
	if err != nil {
		t.Fatalf("list practitioners: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 page fetches, got %d", calls)
	}
	if len(practitioners) != 2 || practitioners[0].ID != "1" || practitioners[1].LastName != "Doe" {
		t.Fatalf("unexpected practitioners: %+v", practitioners)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   ErrorClass
	}{
		{"unauthorized", 401, `{}`, ClassAuth},
		{"not found", 404, `{}`, ClassNotFound},
		{"server limit", 429, `{}`, ClassRateLimited},
		{"conflict status", 409, `{}`, ClassConflict},
		{"conflict body fallback", 422, `{"errors":{"appointment":["This time is already booked"]}}`, ClassConflict},
		{"validation error", 422, `{"errors":{"patient_id":["is required"]}}`, ClassPermanent},
		{"upstream outage", 503, `{}`, ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			_, err := c.CreateAppointment(context.Background(), CreateAppointmentRequest{
				PatientID: "1", PractitionerID: "2", AppointmentTypeID: "3", BusinessID: "4",
				StartUTC: time.Now(), EndUTC: time.Now().Add(time.Hour),
			})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Class != tc.want {
				t.Fatalf("class = %s, want %s", apiErr.Class, tc.want)
			}
			if Classify(err) != tc.want {
				t.Fatalf("Classify disagrees with APIError class")
			}
		})
	}
}

func TestFindPatientByPhoneExactMatchOnly(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"patients":[
			{"id":10,"first_name":"Near","last_name":"Miss","patient_phone_numbers":[{"number":"0412 345 999"}]},
			{"id":11,"first_name":"Exact","last_name":"Match","patient_phone_numbers":[{"number":"61412345678"}]}
		],"links":{}}`)
	}))

	p, err := c.FindPatientByPhone(context.Background(), "61412345678")
	if err != nil {
		t.Fatalf("find patient: %v", err)
	}
	if p == nil || p.ID != "11" {
		t.Fatalf("expected exact match patient 11, got %+v", p)
	}
}

func TestFindPatientByPhoneNoMatch(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"patients":[{"id":10,"patient_phone_numbers":[{"number":"0499 000 000"}]}],"links":{}}`)
	}))
	p, err := c.FindPatientByPhone(context.Background(), "61412345678")
	if err != nil {
		t.Fatalf("find patient: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no match, got %+v", p)
	}
}

func TestGetAvailableTimesDecodesUTCInstants(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "2026-09-01" || r.URL.Query().Get("to") != "2026-09-01" {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"available_times":[{"appointment_start":"2026-09-01T04:00:00Z"},{"appointment_start":"2026-09-01T05:00:00Z"}],"links":{}}`)
	}))

	slots, err := c.GetAvailableTimes(context.Background(), "b1", "p1", "t1", "2026-09-01", "2026-09-01")
	if err != nil {
		t.Fatalf("get available times: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	want := time.Date(2026, 9, 1, 4, 0, 0, 0, time.UTC)
	if !slots[0].AppointmentStart.Equal(want) {
		t.Fatalf("slot instant = %s, want %s", slots[0].AppointmentStart, want)
	}
}

func TestListChangedAppointmentsResolvesLinkedIDs(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"individual_appointments":[{
			"id":77,
			"starts_at":"2026-09-01T04:00:00Z",
			"ends_at":"2026-09-01T05:00:00Z",
			"updated_at":"2026-08-25T00:00:00Z",
			"cancelled_at":"2026-08-25T00:00:00Z",
			"practitioner":{"links":{"self":"https://api.au1.cliniko.com/v1/practitioners/42"}},
			"business":{"links":{"self":"https://api.au1.cliniko.com/v1/businesses/9"}},
			"appointment_type":{"links":{"self":"https://api.au1.cliniko.com/v1/appointment_types/5"}},
			"patient":{"links":{"self":"https://api.au1.cliniko.com/v1/patients/314"}}
		}],"links":{}}`)
	}))

	appts, err := c.ListChangedAppointments(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list changed: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("expected 1 appointment, got %d", len(appts))
	}
	a := appts[0]
	if a.ID != "77" || a.PractitionerID != "42" || a.BusinessID != "9" || a.PatientID != "314" {
		t.Fatalf("unexpected ids: %+v", a)
	}
	if !a.Cancelled() {
		t.Fatal("expected cancelled appointment")
	}
}

func TestClientGoesThroughRateLimiter(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"businesses":[],"links":{}}`)
	}))
	before := c.limiter.InWindow()
	if _, err := c.ListBusinesses(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.limiter.InWindow() != before+1 {
		t.Fatal("call did not record a limiter admission")
	}
}

func TestRegistryCachesClientsAndSharesLimiter(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	reg := NewRegistry(limiter, "VoiceBook/test", time.Second, nil).WithBaseURL("http://localhost:1")

	a, err := reg.ForClinic("clinic-a", "key-a", "au1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.ForClinic("clinic-b", "key-b", "au2")
	if err != nil {
		t.Fatal(err)
	}
	again, err := reg.ForClinic("clinic-a", "key-a", "au1")
	if err != nil {
		t.Fatal(err)
	}
	if a != again {
		t.Fatal("expected cached client for same clinic")
	}
	if a.limiter != b.limiter {
		t.Fatal("clients must share the global limiter")
	}
}
