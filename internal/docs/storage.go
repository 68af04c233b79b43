package docs

// Document models one persisted multilingual document. SnapshotBlob holds the
// encoded convergent state of the main copy; block-level conflict metadata
// lives inside the blob, not in columns.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	Title            string `gorm:"column:title;type:text;not null"`
	TitleLanguage    string `gorm:"column:title_language;size:35;not null;default:''"`
	PrimaryLanguage  string `gorm:"column:primary_language;size:35;not null"`
	SnapshotBlob     []byte `gorm:"column:snapshot_blob"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Branch models one user's private fork of a document. At most one live
// (active or submitted) branch exists per document and user; the partial
// uniqueness is enforced in the service, not the schema, since merged rows
// for the same pair may accumulate.
type Branch struct {
	BranchID                 string `gorm:"column:branch_id;primaryKey;size:190;not null"`
	DocumentID               string `gorm:"column:document_id;size:190;not null;index:idx_branches_doc_user,priority:1"`
	UserID                   string `gorm:"column:user_id;size:190;not null;index:idx_branches_doc_user,priority:2"`
	DisplayName              string `gorm:"column:display_name;type:text;not null"`
	Status                   string `gorm:"column:status;size:32;not null;index:idx_branches_doc_user,priority:3"`
	SnapshotBlob             []byte `gorm:"column:snapshot_blob"`
	BaselineUpdatedAtSeconds int64  `gorm:"column:baseline_updated_at_s;not null;default:0"`
	CreatedAtSeconds         int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds         int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Branch) TableName() string {
	return "document_branches"
}

// MergeRequest models one submission of a branch for inclusion in main.
type MergeRequest struct {
	MergeRequestID    string `gorm:"column:merge_request_id;primaryKey;size:190;not null"`
	DocumentID        string `gorm:"column:document_id;size:190;not null;index:idx_merge_requests_doc,priority:1"`
	BranchID          string `gorm:"column:branch_id;size:190;not null;index:idx_merge_requests_branch"`
	SubmitterID       string `gorm:"column:submitter_id;size:190;not null"`
	Status            string `gorm:"column:status;size:32;not null;index:idx_merge_requests_doc,priority:2"`
	Strategy          string `gorm:"column:strategy;size:64;not null"`
	ResolutionNote    string `gorm:"column:resolution_note;type:text;not null;default:''"`
	ResolverID        string `gorm:"column:resolver_id;size:190;not null;default:''"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	ResolvedAtSeconds int64  `gorm:"column:resolved_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MergeRequest) TableName() string {
	return "merge_requests"
}
