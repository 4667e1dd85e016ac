// Package finance declares the functions the assistant may call to reach a
// user's financial data, and how each one is gated.
package finance

import (
	"encoding/json"

	"github.com/haasonsaas/fingate/internal/provider"
)

// Class says whether a tool requires an authenticated session.
type Class int

const (
	// ClassExempt tools drive the login handshake and run without a session.
	ClassExempt Class = iota
	// ClassData tools reach the provider and require an authenticated session.
	ClassData
)

func (c Class) String() string {
	if c == ClassData {
		return "data"
	}
	return "exempt"
}

// Tool names.
const (
	InitiateAuthentication    = "initiateAuthentication"
	CompleteAuthentication    = "completeAuthentication"
	CheckAuthenticationStatus = "checkAuthenticationStatus"
	DisconnectAccount         = "disconnectAccount"
	GetNetWorth               = "getNetWorth"
	GetCreditReport           = "getCreditReport"
	GetEpfDetails             = "getEpfDetails"
	GetMutualFundTransactions = "getMutualFundTransactions"
	GetBankTransactions       = "getBankTransactions"
	GetStockTransactions      = "getStockTransactions"
	AnalyzePortfolio          = "analyzePortfolio"
)

// Tool is one function declaration exposed to the model.
type Tool struct {
	name         string
	description  string
	schema       json.RawMessage
	class        Class
	remoteMethod string
	members      []string
}

// Name returns the function name.
func (t Tool) Name() string { return t.name }

// Description tells the model when to call the function.
func (t Tool) Description() string { return t.description }

// Schema returns the JSON Schema of the function's arguments.
func (t Tool) Schema() json.RawMessage { return t.schema }

// Class returns the tool's gating class.
func (t Tool) Class() Class { return t.class }

// RemoteMethod is the provider operation the tool maps to, if any.
func (t Tool) RemoteMethod() string { return t.remoteMethod }

// Members lists the tools a composite fans out to. Empty for plain tools.
func (t Tool) Members() []string { return append([]string(nil), t.members...) }

// Composite reports whether the tool fans out to other tools.
func (t Tool) Composite() bool { return len(t.members) > 0 }

const userOnlySchema = `{
  "type": "object",
  "properties": {
    "userId": { "type": "string", "description": "Id of the user whose data is requested" }
  },
  "required": ["userId"],
  "additionalProperties": false
}`

// PortfolioMembers are the holdings tools analyzed together.
var PortfolioMembers = []string{
	GetNetWorth,
	GetMutualFundTransactions,
	GetStockTransactions,
	GetEpfDetails,
}

var tools = []Tool{
	{
		name:         InitiateAuthentication,
		description:  "Start linking the user's financial accounts. Sends the phone number to the data provider and returns a login URL the user must open; after logging in they receive a 6 digit passcode.",
		class:        ClassExempt,
		remoteMethod: provider.MethodLogin,
		schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "userId": { "type": "string", "description": "Id of the user" },
    "phoneNumber": { "type": "string", "description": "Phone number registered with the provider, digits with optional leading +" }
  },
  "required": ["userId", "phoneNumber"],
  "additionalProperties": false
}`),
	},
	{
		name:         CompleteAuthentication,
		description:  "Finish linking accounts with the 6 digit passcode the user received after logging in. Must follow initiateAuthentication within 5 minutes.",
		class:        ClassExempt,
		remoteMethod: provider.MethodVerify,
		schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "userId": { "type": "string", "description": "Id of the user" },
    "passcode": { "type": "string", "description": "6 digit passcode shown after login" }
  },
  "required": ["userId", "passcode"],
  "additionalProperties": false
}`),
	},
	{
		name:        CheckAuthenticationStatus,
		description: "Check whether the user's accounts are linked, pending login, or need to be linked again.",
		class:       ClassExempt,
		schema:      json.RawMessage(userOnlySchema),
	},
	{
		name:        DisconnectAccount,
		description: "Unlink the user's financial accounts and forget the session immediately.",
		class:       ClassExempt,
		schema:      json.RawMessage(userOnlySchema),
	},
	{
		name:         GetNetWorth,
		description:  "Get the user's net worth with a breakdown of assets and liabilities.",
		class:        ClassData,
		remoteMethod: "fetch_net_worth",
		schema:       json.RawMessage(userOnlySchema),
	},
	{
		name:         GetCreditReport,
		description:  "Get the user's credit report including credit score and open accounts.",
		class:        ClassData,
		remoteMethod: "fetch_credit_report",
		schema:       json.RawMessage(userOnlySchema),
	},
	{
		name:         GetEpfDetails,
		description:  "Get the user's Employees' Provident Fund balance and contribution history.",
		class:        ClassData,
		remoteMethod: "fetch_epf_details",
		schema:       json.RawMessage(userOnlySchema),
	},
	{
		name:         GetMutualFundTransactions,
		description:  "Get the user's mutual fund transactions.",
		class:        ClassData,
		remoteMethod: "fetch_mf_transactions",
		schema:       json.RawMessage(userOnlySchema),
	},
	{
		name:         GetBankTransactions,
		description:  "Get the user's recent bank account transactions.",
		class:        ClassData,
		remoteMethod: "fetch_bank_transactions",
		schema:       json.RawMessage(userOnlySchema),
	},
	{
		name:         GetStockTransactions,
		description:  "Get the user's stock trading transactions.",
		class:        ClassData,
		remoteMethod: "fetch_stock_transactions",
		schema:       json.RawMessage(userOnlySchema),
	},
	{
		name:        AnalyzePortfolio,
		description: "Fetch net worth, mutual fund, stock and EPF data together for a full portfolio analysis. Partial results are returned if some sources fail.",
		class:       ClassData,
		schema:      json.RawMessage(userOnlySchema),
		members:     PortfolioMembers,
	},
}

var byName = func() map[string]Tool {
	m := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		m[tool.name] = tool
	}
	return m
}()

// Lookup returns the tool with the given name.
func Lookup(name string) (Tool, bool) {
	tool, ok := byName[name]
	return tool, ok
}

// All returns every declared tool in declaration order.
func All() []Tool {
	return append([]Tool(nil), tools...)
}
