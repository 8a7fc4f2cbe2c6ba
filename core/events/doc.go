// Package events defines the typed UI event contract published by the session
// orchestrator, and the read-only [View] projection built from it.
//
// Event kinds are grouped by receiver-facing namespaces:
//
//   - session.*
//   - user_input.*
//   - assistant_response.*
//   - avatar.*
//
// Semantics used across the package:
//
//   - Segment: append-only text piece emitted in stream order.
//   - Updated: mutable point-in-time snapshot that supersedes earlier ones.
//   - Final: terminal immutable text for the current utterance or answer.
//
// session events
//
//   - SessionStateChanged (session.state_changed): lifecycle state moved.
//   - SessionStartFailed (session.start_failed): Start gave up; the session
//     is back in Idle. Carries a reason code.
//   - SessionClosed (session.closed): the session ended; carries the reason
//     code (stopped, channel_fatal, recognition_error).
//   - SessionWarning (session.warning): recoverable condition such as a
//     dropped chunk under playback backpressure.
//
// user_input events
//
//   - UserTranscriptInterimUpdated (user_input.transcript_interim_updated):
//     mutable interim transcript of the utterance being recognized.
//   - UserTranscriptFinal (user_input.transcript_final): terminal transcript
//     submitted as a question.
//
// assistant_response events
//
//   - AssistantResponseStarted (assistant_response.started)
//   - AssistantResponseSegment (assistant_response.segment): streamed answer
//     text, in arrival order.
//   - AssistantResponseFinal (assistant_response.final): answer stream
//     reached its completion marker.
//   - AssistantResponseFallback (assistant_response.fallback): the answer
//     stream failed; carries the apology text shown instead.
//   - AssistantResponseCancelled (assistant_response.cancelled): the answer
//     was abandoned by barge-in.
//
// avatar events
//
//   - AvatarSpeakingStarted (avatar.speaking_started)
//   - AvatarSpeakingFinished (avatar.speaking_finished)
package events
