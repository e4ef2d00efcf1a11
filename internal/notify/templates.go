package notify

import (
	"bytes"
	"html/template"
)

type emailData struct {
	AppName       string
	RecipientName string
	StudyName     string
	CampaignName  string
	ActorName     string
	Comment       string
	StudyURL      string
}

var (
	reviewRequestedTemplate  = template.Must(template.New("review-requested").Parse(layoutHead + reviewRequestedBody + layoutFoot))
	signedOffTemplate        = template.Must(template.New("signed-off").Parse(layoutHead + signedOffBody + layoutFoot))
	changesRequestedTemplate = template.Must(template.New("changes-requested").Parse(layoutHead + changesRequestedBody + layoutFoot))
)

func renderTemplate(tmpl *template.Template, data emailData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}: {{.StudyName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #6b2fd6; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #6b2fd6; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .note { background: #f4f0fb; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    <p>Hi {{.RecipientName}},</p>
`

const reviewRequestedBody = `
    <p>{{.ActorName}} submitted the study <strong>{{.StudyName}}</strong> for the campaign <strong>{{.CampaignName}}</strong> and is asking for your review.</p>
    {{if .StudyURL}}<p><a href="{{.StudyURL}}" class="button">Review Study</a></p>{{end}}
`

const signedOffBody = `
    <p>{{.ActorName}} signed off the study <strong>{{.StudyName}}</strong> for the campaign <strong>{{.CampaignName}}</strong>. It is now approved and locked for editing.</p>
    {{if .StudyURL}}<p><a href="{{.StudyURL}}" class="button">Open Study</a></p>{{end}}
`

const changesRequestedBody = `
    <p>{{.ActorName}} requested changes to the study <strong>{{.StudyName}}</strong> for the campaign <strong>{{.CampaignName}}</strong>.</p>
    {{if .Comment}}<div class="note">{{.Comment}}</div>{{end}}
    {{if .StudyURL}}<p><a href="{{.StudyURL}}" class="button">Open Study</a></p>{{end}}
`

const layoutFoot = `
    <div class="footer">
        <p>You are receiving this because you take part in reviews for {{.CampaignName}}.</p>
    </div>
</body>
</html>`
