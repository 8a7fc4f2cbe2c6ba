package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/koscakluka/ema-avatar/core/events"
)

const (
	defaultWidth = 80
	labelIndent  = 2
)

// Presenter prints the conversation as scrolling chat text. Interim
// transcripts and streamed segments are not printed; each message appears
// once it is final.
type Presenter struct {
	out   io.Writer
	width int
}

func NewPresenter(out io.Writer, width int) *Presenter {
	if width <= labelIndent {
		width = defaultWidth
	}
	return &Presenter{out: out, width: width}
}

func (p *Presenter) Handle(event events.Event) {
	if text := p.Render(event); text != "" {
		fmt.Fprintln(p.out, text)
	}
}

// Render returns the lines shown for event, or "" if it is not shown.
func (p *Presenter) Render(event events.Event) string {
	switch e := event.(type) {
	case events.SessionStateChanged:
		return StatusStyle.Render("· " + e.To)
	case events.SessionStartFailed:
		return ErrorStyle.Render(fmt.Sprintf("could not start (%s): %s", e.Reason, e.Message))
	case events.SessionClosed:
		if e.Message == "" {
			return StatusStyle.Render("· session closed (" + e.Reason + ")")
		}
		return ErrorStyle.Render(fmt.Sprintf("session closed (%s): %s", e.Reason, e.Message))
	case events.SessionWarning:
		return WarningStyle.Render("! " + e.Message)
	case events.UserTranscriptFinal:
		return p.message(UserLabel.Render("You"), e.Transcript)
	case events.AssistantResponseFinal:
		if strings.TrimSpace(e.Text) == "" {
			return ""
		}
		return p.message(AvatarLabel.Render("Avatar"), e.Text)
	case events.AssistantResponseFallback:
		return p.message(AvatarLabel.Render("Avatar"), WarningStyle.Render(e.Message))
	case events.AssistantResponseCancelled:
		return StatusStyle.Render("· interrupted")
	}
	return ""
}

func (p *Presenter) message(label, text string) string {
	wrapped := wordwrap.String(strings.TrimSpace(text), p.width-labelIndent)
	return label + "\n" + indent.String(wrapped, labelIndent)
}
