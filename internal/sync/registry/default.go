package registry

// DefaultDescriptors returns the built-in module registry used when no
// registry file is configured. The core module is the master record: its
// sync fields are the shared client contact set every module may mirror,
// and its module fields hold both case-management private columns and the
// status columns the domain modules own and feed back.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:   "core",
			Master: true,
			SyncFields: []string{
				"first_name",
				"last_name",
				"phone",
				"email",
				"address",
				"date_of_birth",
				"preferred_language",
			},
			ModuleFields: []string{
				"case_number",
				"intake_notes",
				"assigned_caseworker",
				"housing_status",
				"benefit_status",
				"employment_status",
			},
		},
		{
			Name: "housing",
			SyncFields: []string{
				"first_name",
				"last_name",
				"phone",
				"address",
			},
			BidirectionalFields: []string{
				"housing_status",
			},
			ModuleFields: []string{
				"unit_number",
				"lease_start",
				"voucher_type",
			},
		},
		{
			Name: "benefits",
			SyncFields: []string{
				"first_name",
				"last_name",
				"date_of_birth",
				"address",
			},
			BidirectionalFields: []string{
				"benefit_status",
			},
			ModuleFields: []string{
				"snap_case_number",
				"medicaid_id",
				"recert_date",
			},
		},
		{
			Name: "legal",
			SyncFields: []string{
				"first_name",
				"last_name",
				"phone",
				"preferred_language",
			},
			ModuleFields: []string{
				"docket_number",
				"attorney_name",
				"next_hearing",
			},
		},
		{
			Name:   "employment",
			Engine: EngineBolt,
			SyncFields: []string{
				"first_name",
				"last_name",
				"phone",
				"email",
			},
			BidirectionalFields: []string{
				"employment_status",
			},
			ModuleFields: []string{
				"employer_name",
				"job_title",
				"hourly_wage",
			},
		},
	}
}
