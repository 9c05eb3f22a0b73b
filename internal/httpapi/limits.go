package httpapi

// Request body caps. Oversize bodies are refused with 413 rather than
// read to completion.
const (
	otmBodyLimit     = "1M"
	inviteBodyLimit  = "100K"
	claimBodyLimit   = "100K"
	messageBodyLimit = "500K"
	ackBodyLimit     = "50K"
	fileBodyLimit    = "12M"
)

// Fixed-window allowances per client address per window.
const (
	otmPostPerWindow      = 30
	otmGetPerWindow       = 60
	fileUploadPerWindow   = 10
	fileDownloadPerWindow = 30
	chatInvitePerWindow   = 10
	chatMessagePerWindow  = 60
)

// Rate-limit bucket actions. Invite claims draw from the invite
// allowance.
const (
	actionOtmPost      = "otm_post"
	actionOtmGet       = "otm_get"
	actionFileUpload   = "file_upload"
	actionFileDownload = "file_download"
	actionChatInvite   = "chat_invite"
	actionChatMessage  = "chat_message"
)

func otmLimits() map[string]int {
	return map[string]int{
		actionOtmPost: otmPostPerWindow,
		actionOtmGet:  otmGetPerWindow,
	}
}

func fileLimits() map[string]int {
	return map[string]int{
		actionFileUpload:   fileUploadPerWindow,
		actionFileDownload: fileDownloadPerWindow,
	}
}

func chatLimits() map[string]int {
	return map[string]int{
		actionChatInvite:  chatInvitePerWindow,
		actionChatMessage: chatMessagePerWindow,
	}
}
