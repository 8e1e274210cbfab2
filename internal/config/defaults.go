package config

// DefaultConfigYAML is written by `dokodemodoor init`. Values left out use
// the loader defaults.
const DefaultConfigYAML = `# dokodemodoor configuration
#
# Precedence: flags > DOKODEMODOOR_* environment > this file > defaults.

log:
  level: info
  # auto | text | json
  format: auto

workspace:
  # Repository under assessment. Every attempt is checkpointed here.
  path: .
  deliverables_dir: deliverables
  outputs_dir: outputs
  archive: true

audit:
  dir: audit-logs
  redact: false

state:
  dir: .dokodemodoor/sessions
  # json | sqlite
  backend: json

registry:
  # <unit>.txt templates; built-in prompts are used for missing files.
  prompts_dir: prompts
  overrides_file: agents.yaml

orchestrator:
  max_attempts: 3
  base_delay: 5s
  max_delay: 1m
  turn_ceiling: 400

scheduler:
  max_concurrency: 5
  stagger: 2s
  continue_on_partial_failure: false

runtime:
  command: claude
  args: ["-p", "--output-format", "stream-json", "--verbose"]
  turns_flag: --max-turns
  tools_flag: --allowedTools
  timeout: 3h

server:
  addr: 127.0.0.1:8484
`
