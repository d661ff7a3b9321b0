package orchestrator

import (
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// templateData is the substitution set for the rendered files: app_id and
// owner_id plus the fields this generalized Go rendering needs to name the
// workflow's script and runtime environment. It carries no Supabase values;
// the workflow template reads those from repository secrets.
type templateData struct {
	AppID      string
	OwnerID    string
	RuntimeEnv string
	ScriptName string
}

func renderTemplate(text string, data templateData) (string, error) {
	tpl, err := template.New("file").Parse(text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// validateWorkflowYAML catches a malformed rendering before it is committed
// to the tenant repo — a bad workflow file fails silently until the next
// push, which is a costly place to discover a template bug.
func validateWorkflowYAML(text string) error {
	var doc map[string]any
	return yaml.Unmarshal([]byte(text), &doc)
}

const deployWorkflowTemplate = `name: overskill deploy

on:
  push:
    branches: [main]

env:
  OVERSKILL_APP_ID: "{{.AppID}}"
  OVERSKILL_OWNER_ID: "{{.OwnerID}}"
  OVERSKILL_RUNTIME_ENV: "{{.RuntimeEnv}}"
  SUPABASE_URL: "${{"{{"}} secrets.SUPABASE_URL {{"}}"}}"
  SUPABASE_ANON_KEY: "${{"{{"}} secrets.SUPABASE_ANON_KEY {{"}}"}}"

jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - uses: actions/setup-node@v4
        with:
          node-version: "20"
      - run: npm ci
      - run: npm run build
      - name: publish worker script
        run: npx overskill-publish --script "{{.ScriptName}}" --env "{{.RuntimeEnv}}"
        env:
          CLOUDFLARE_API_TOKEN: "${{"{{"}} secrets.CLOUDFLARE_API_TOKEN {{"}}"}}"
          CLOUDFLARE_ACCOUNT_ID: "${{"{{"}} secrets.CLOUDFLARE_ACCOUNT_ID {{"}}"}}"
`

const edgePlatformConfigTemplate = `{
  "app_id": "{{.AppID}}",
  "owner_id": "{{.OwnerID}}",
  "script_name": "{{.ScriptName}}",
  "runtime_env": "{{.RuntimeEnv}}",
  "main_module": "index.js",
  "compatibility_date": "2024-09-23"
}
`
