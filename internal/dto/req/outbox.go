package req

type EntryURI struct {
	ID string `uri:"id" binding:"required,max=128"`
}

type ListOutboxQuery struct {
	Feature string `form:"feature" binding:"max=64"`
}

type DiscardRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type WatchQuery struct {
	LastRev int64  `form:"last_rev"`
	Feature string `form:"feature"`
}

type ListAuditQuery struct {
	Page int `form:"page" binding:"omitempty,min=1"`
	Size int `form:"size" binding:"omitempty,min=1,max=100"`
}
