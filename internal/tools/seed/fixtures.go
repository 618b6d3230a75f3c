package seed

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blackulaphoto/casesync/internal/sync/domain"
)

// fixture is one demo client: the master record at registration, module
// extras applied at enrollment, and one update propagated from a module
// afterwards.
type fixture struct {
	master  domain.Fields
	modules map[string]domain.Fields
	source  string
	update  domain.Fields
}

func (f fixture) moduleNames() []string {
	names := make([]string, 0, len(f.modules))
	for name := range f.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f fixture) displayName() string {
	return fmt.Sprintf("%s %s", f.master["first_name"], f.master["last_name"])
}

// demoClients returns n demo clients: the bundled fixtures first, then
// synthetic clients cycling the name pools. n <= 0 means every bundled
// fixture.
func demoClients(n int) []fixture {
	clients := bundledClients()
	if n <= 0 || n == len(clients) {
		return clients
	}
	if n < len(clients) {
		return clients[:n]
	}
	for i := len(clients); i < n; i++ {
		clients = append(clients, syntheticClient(i))
	}
	return clients
}

// bundledClients covers the built-in registry: every module is enrolled at
// least once and each demo update exercises a different propagation path,
// including status feedback from a domain module.
func bundledClients() []fixture {
	return []fixture{
		{
			master: domain.Fields{
				"first_name":          "Maria",
				"last_name":           "Reyes",
				"phone":               "555-0104",
				"email":               "maria.reyes@example.org",
				"address":             "12 Pine St, Springfield",
				"date_of_birth":       "1988-04-12",
				"preferred_language":  "Spanish",
				"case_number":         "CM-2301",
				"assigned_caseworker": "D. Okafor",
				"intake_notes":        "referred by community health center",
				"housing_status":      "housed",
				"benefit_status":      "active",
				"employment_status":   "employed",
			},
			modules: map[string]domain.Fields{
				"housing": {
					"unit_number":  "4B",
					"lease_start":  "2025-11-01",
					"voucher_type": "Section 8",
				},
				"benefits": {
					"snap_case_number": "SNAP-88123",
					"medicaid_id":      "MCD-4417",
					"recert_date":      "2026-09-01",
				},
				"employment": {
					"employer_name": "Harbor Light Bakery",
					"job_title":     "Baker",
					"hourly_wage":   "19.50",
				},
			},
			source: "core",
			update: domain.Fields{"phone": "555-0199"},
		},
		{
			master: domain.Fields{
				"first_name":         "James",
				"last_name":          "Okonkwo",
				"phone":              "555-0117",
				"address":            "88 Oak Ave, Springfield",
				"preferred_language": "English",
				"case_number":        "CM-2304",
				"housing_status":     "transitional",
			},
			modules: map[string]domain.Fields{
				"housing": {
					"unit_number": "12",
				},
				"legal": {
					"docket_number": "24-CV-1102",
					"attorney_name": "S. Patel",
					"next_hearing":  "2026-10-03",
				},
			},
			source: "housing",
			update: domain.Fields{
				"address":        "310 Birch Ct, Springfield",
				"housing_status": "housed",
			},
		},
		{
			master: domain.Fields{
				"first_name":        "Lena",
				"last_name":         "Fischer",
				"phone":             "555-0123",
				"email":             "lena.fischer@example.org",
				"address":           "7 Canal Rd, Springfield",
				"date_of_birth":     "1994-09-30",
				"case_number":       "CM-2310",
				"benefit_status":    "pending",
				"employment_status": "seeking",
			},
			modules: map[string]domain.Fields{
				"benefits": {
					"snap_case_number": "SNAP-90311",
					"recert_date":      "2026-07-15",
				},
				"employment": {},
			},
			source: "employment",
			update: domain.Fields{
				"employment_status": "employed",
				"email":             "lfischer@work.example.org",
			},
		},
		{
			master: domain.Fields{
				"first_name":         "Darnell",
				"last_name":          "Washington",
				"phone":              "555-0142",
				"preferred_language": "English",
				"case_number":        "CM-2317",
				"intake_notes":       "walk-in intake",
			},
			modules: map[string]domain.Fields{
				"legal": {
					"docket_number": "24-EV-2208",
					"attorney_name": "R. Alvarez",
				},
			},
			source: "core",
			update: domain.Fields{"preferred_language": "French"},
		},
		{
			master: domain.Fields{
				"first_name":         "Amara",
				"last_name":          "Diallo",
				"phone":              "555-0158",
				"email":              "amara.diallo@example.org",
				"address":            "45 Harbor Way, Springfield",
				"date_of_birth":      "1979-02-08",
				"preferred_language": "French",
				"case_number":        "CM-2322",
				"housing_status":     "housed",
				"benefit_status":     "active",
				"employment_status":  "part_time",
			},
			modules: map[string]domain.Fields{
				"housing": {
					"unit_number":  "2A",
					"voucher_type": "VASH",
				},
				"benefits": {
					"snap_case_number": "SNAP-91440",
					"medicaid_id":      "MCD-5521",
				},
				"legal": {
					"docket_number": "24-FM-0917",
				},
				"employment": {
					"employer_name": "Riverside Cleaning Co",
					"hourly_wage":   "17.25",
				},
			},
			source: "benefits",
			update: domain.Fields{
				"benefit_status": "recertifying",
				"address":        "45 Harbor Way Apt 2A, Springfield",
			},
		},
	}
}

var (
	syntheticFirstNames = []string{"Sofia", "Ibrahim", "Grace", "Viktor", "Priya", "Mateo", "Halima", "Ren"}
	syntheticLastNames  = []string{"Petrov", "Nakamura", "Hassan", "Lindqvist", "Sharma", "Ortega", "Mbeki", "Kowalski"}
)

// syntheticClient builds client i when more clients than bundled fixtures
// are requested. Even clients enroll in housing, odd ones in employment.
func syntheticClient(i int) fixture {
	first := syntheticFirstNames[i%len(syntheticFirstNames)]
	last := syntheticLastNames[(i/len(syntheticFirstNames))%len(syntheticLastNames)]
	master := domain.Fields{
		"first_name":  first,
		"last_name":   last,
		"phone":       fmt.Sprintf("555-02%02d", i%100),
		"address":     fmt.Sprintf("%d Mercer Ave, Springfield", 100+i),
		"case_number": fmt.Sprintf("CM-%d", 2400+i),
	}
	modules := map[string]domain.Fields{}
	if i%2 == 0 {
		master["housing_status"] = "waitlisted"
		modules["housing"] = domain.Fields{"voucher_type": "Section 8"}
	} else {
		master["employment_status"] = "seeking"
		master["email"] = fmt.Sprintf("%s.%s@example.org", strings.ToLower(first), strings.ToLower(last))
		modules["employment"] = domain.Fields{}
	}
	return fixture{
		master:  master,
		modules: modules,
		source:  "core",
		update:  domain.Fields{"phone": fmt.Sprintf("555-03%02d", i%100)},
	}
}
