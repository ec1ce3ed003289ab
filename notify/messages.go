package notify

import (
	"bytes"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/idfleet/idfleet/decommission"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Message is a rendered notification.
type Message struct {
	Kind  Kind
	Title string
	Body  string
}

var symbols = map[decommission.ResourceState]string{
	decommission.StateCompleted: "✅",
	decommission.StateFailed:    "❌",
	decommission.StateSkipped:   "⏭",
	decommission.StatePending:   "⏳",
}

var triggerText = map[decommission.TriggerType]string{
	decommission.TriggerManual:           "requested by an operator",
	decommission.TriggerBanned:           "account banned",
	decommission.TriggerSuspendedTimeout: "suspended past the allowed period",
	decommission.TriggerAppealTimeout:    "appeal unresolved past the allowed period",
	decommission.TriggerInactiveTimeout:  "inactive past the allowed period",
}

var title = cases.Title(language.English)

const resourcesTmpl = `{{define "resources"}}Resources:
{{range .Resources}}{{.Symbol}} {{.Label}}: {{.State}}
{{end}}{{end}}`

var (
	scheduledTmpl = template.Must(template.New("scheduled").Parse(resourcesTmpl + `{{.Name}} will be decommissioned {{.When}} ({{.Date}}, in {{.Days}} {{.DayUnit}}).
Reason: {{.Trigger}}
Job type: {{.JobType}}
{{template "resources" .}}`))

	reminderTmpl = template.Must(template.New("reminder").Parse(resourcesTmpl + `Reminder: {{.Name}} will be decommissioned {{.When}} ({{.Date}}, in {{.Days}} {{.DayUnit}}).
Reason: {{.Trigger}}
Cancel the job before then to keep the identity.
{{template "resources" .}}`))

	finishedTmpl = template.Must(template.New("finished").Parse(resourcesTmpl + `{{.Name}} decommission {{.Status}}.
Reason: {{.Trigger}}
{{template "resources" .}}{{if .Errors}}Errors:
{{range .Errors}}- {{.}}
{{end}}{{end}}`))

	digestTmpl = template.Must(template.New("digest").Parse(`Completed in the last day: {{.Completed}}
Pending: {{.Pending}}
Executing today: {{.ExecutingToday}}
Scheduled this week: {{.ScheduledThisWeek}}
Failed: {{.FailedTotal}}
{{range .Failed}}❌ {{or .IdentityName .IdentityID}}: {{.Error}}
{{end}}`))
)

type resourceLine struct {
	Symbol string
	Label  string
	State  decommission.ResourceState
}

type jobData struct {
	Name      string
	Trigger   string
	JobType   decommission.JobType
	Status    decommission.Status
	When      string
	Date      string
	Days      int
	DayUnit   string
	Resources []resourceLine
	Errors    []string
}

// ScheduledMessage renders the notice sent when a job is scheduled.
func ScheduledMessage(job *decommission.Job, identity *decommission.Identity, now time.Time) Message {
	data := newJobData(job, identity, now)
	return Message{
		Kind:  KindScheduled,
		Title: "Decommission scheduled: " + data.Name,
		Body:  render(scheduledTmpl, data),
	}
}

// ReminderMessage renders the notice sent ahead of a scheduled execution.
func ReminderMessage(job *decommission.Job, identity *decommission.Identity, now time.Time) Message {
	data := newJobData(job, identity, now)
	return Message{
		Kind:  KindReminder,
		Title: "Decommission reminder: " + data.Name,
		Body:  render(reminderTmpl, data),
	}
}

// FinishedMessage renders the completed or failed notice.
func FinishedMessage(job *decommission.Job, identity *decommission.Identity) Message {
	data := newJobData(job, identity, time.Time{})
	kind := KindCompleted
	if job.Status == decommission.StatusFailed {
		kind = KindFailed
	}
	return Message{
		Kind:  kind,
		Title: "Decommission " + string(job.Status) + ": " + data.Name,
		Body:  render(finishedTmpl, data),
	}
}

// DigestMessage renders the activity digest.
func DigestMessage(d *decommission.Digest) Message {
	return Message{
		Kind:  KindDigest,
		Title: "Decommission digest " + d.GeneratedAt.Format("Jan 2 2006"),
		Body:  render(digestTmpl, d),
	}
}

// TriggerText returns a human description of a trigger.
func TriggerText(t decommission.TriggerType) string {
	if s, ok := triggerText[t]; ok {
		return s
	}
	return strings.ReplaceAll(string(t), "_", " ")
}

// DaysUntil rounds the time until t up to whole days, never below zero.
func DaysUntil(t, now time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func newJobData(job *decommission.Job, identity *decommission.Identity, now time.Time) jobData {
	data := jobData{
		Name:    job.IdentityID,
		Trigger: TriggerText(job.TriggerType),
		JobType: job.JobType,
		Status:  job.Status,
	}
	if identity != nil && identity.Name != "" {
		data.Name = identity.Name
	}
	if job.ScheduledFor != nil && !now.IsZero() {
		data.When = humanize.RelTime(*job.ScheduledFor, now, "ago", "from now")
		data.Date = job.ScheduledFor.Format("Mon Jan 2 2006 15:04 MST")
		data.Days = DaysUntil(*job.ScheduledFor, now)
		data.DayUnit = "days"
		if data.Days == 1 {
			data.DayUnit = "day"
		}
	}
	for _, kind := range decommission.Kinds {
		state := job.ResourceStatus.Get(kind)
		data.Resources = append(data.Resources, resourceLine{
			Symbol: symbols[state],
			Label:  title.String(string(kind)),
			State:  state,
		})
	}
	if job.ErrorMessage != "" {
		data.Errors = strings.Split(job.ErrorMessage, "\n")
	}
	return data
}

func render(t *template.Template, data interface{}) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		log.Errorf("rendering %s: %v", t.Name(), err)
		return ""
	}
	return strings.TrimSpace(buf.String())
}
