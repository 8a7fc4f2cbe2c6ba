package events

const (
	KindAvatarSpeakingStarted  Kind = "avatar.speaking_started"
	KindAvatarSpeakingFinished Kind = "avatar.speaking_finished"
)

// AvatarSpeakingStarted marks the avatar beginning to speak a playback job.
type AvatarSpeakingStarted struct {
	Base
	JobID string `json:"job_id"`
}

func NewAvatarSpeakingStarted(jobID string) AvatarSpeakingStarted {
	return AvatarSpeakingStarted{Base: NewBase(KindAvatarSpeakingStarted), JobID: jobID}
}

// AvatarSpeakingFinished marks the avatar going quiet, either because the job
// drained or because it was cancelled.
type AvatarSpeakingFinished struct {
	Base
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

func NewAvatarSpeakingFinished(jobID string, cancelled bool) AvatarSpeakingFinished {
	return AvatarSpeakingFinished{Base: NewBase(KindAvatarSpeakingFinished), JobID: jobID, Cancelled: cancelled}
}
