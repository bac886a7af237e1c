package connstore

// CalendarTier is the calendar capability granted to a connection.
type CalendarTier string

const (
	CalendarNone           CalendarTier = "none"
	CalendarFreeBusyOnly   CalendarTier = "free_busy_only"
	CalendarFullDetails    CalendarTier = "full_details"
	CalendarProposeAndBook CalendarTier = "propose_and_book"
)

// FilesTier is the file-access capability granted to a connection.
type FilesTier string

const (
	FilesNone           FilesTier = "none"
	FilesSpecificFolders FilesTier = "specific_folders"
	FilesEverything      FilesTier = "everything"
)

// ActionsTier is the action-execution capability granted to a connection.
type ActionsTier string

const (
	ActionsNone   ActionsTier = "none"
	ActionsScoped ActionsTier = "scoped"
	ActionsFull   ActionsTier = "full"
)

// SpendingCaps bounds monetary actions a connection may trigger.
// Non-negative; zero means "no cap configured" unless otherwise noted by
// the enforcing component.
type SpendingCaps struct {
	PerTransaction float64 `json:"per_transaction"`
	PerDay         float64 `json:"per_day"`
	PerConnection  float64 `json:"per_connection"`
}

// CustomCategory is a free-text permission category the operator defines
// beyond the built-in tiers.
type CustomCategory struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Allowed     bool   `json:"allowed"`
}

// Manifest is the per-connection permissions record. New connections
// receive DenyAllManifest().
type Manifest struct {
	Calendar              CalendarTier     `json:"calendar"`
	Files                 FilesTier        `json:"files"`
	FileFolders           []string         `json:"file_folders,omitempty"`
	Actions               ActionsTier      `json:"actions"`
	ActionScopes          []string         `json:"action_scopes,omitempty"`
	Spending              SpendingCaps     `json:"spending"`
	InformationBoundaries string           `json:"information_boundaries,omitempty"`
	CustomCategories      []CustomCategory `json:"custom_categories,omitempty"`
}

// DenyAllManifest returns the deny-by-default manifest new connections
// receive.
func DenyAllManifest() Manifest {
	return Manifest{
		Calendar: CalendarNone,
		Files:    FilesNone,
		Actions:  ActionsNone,
	}
}
