package catalog

const defaultYAML = `
menus:
  attendant:
    title: Attendant menu
    body: What would you like to record?
    options:
      - {id: closing, title: Record closing stock}
      - {id: deposit, title: Record deposit}
      - {id: help, title: Talk to a supervisor}
      - {id: logout, title: Log out}
  supervisor:
    title: Supervisor menu
    body: What would you like to do?
    options:
      - {id: summary, title: Today's summary}
      - {id: help, title: Escalations}
      - {id: logout, title: Log out}
  supplier:
    title: Supplier menu
    body: What did you deliver?
    options:
      - {id: supply, title: Record supply}
      - {id: help, title: Talk to a supervisor}
      - {id: logout, title: Log out}

templates:
  - name: session_reopen
    body: "You have a new update from your outlet assistant: {{1}}. Reply to continue."
    params: 1
  - name: idle_logout
    body: "You were logged out after a period of inactivity. Reply MENU to continue."
    params: 0
  - name: closing_reminder
    body: "Reminder: today's closing for {{1}} has not been recorded yet."
    params: 1
  - name: supply_notice
    body: "Supply recorded for {{3}}: {{1}} x {{2}}."
    params: 3
  - name: escalation_notice
    body: "{{1}} asked for help: {{2}}"
    params: 2

texts:
  login_prompt: "Welcome. Please send your staff code to log in."
  login_failed: "That code was not recognised. Please send your staff code to log in."
  welcome: "You are logged in."
  fallback: "Sorry, I couldn't process that. Please choose an option from the menu."
  unknown_transition: "Sorry, I didn't catch that."
  try_again: "Something went wrong on our side. Please try again in a moment."
  logged_out: "You have been logged out. Send your staff code to log in again."
  idle_logged_out: "You were logged out after a period of inactivity."
  unsupported: "Sorry, I can only read text messages."
  cancelled: "Cancelled."
  saved: "Saved."
  escalated: "A supervisor has been notified."
`
