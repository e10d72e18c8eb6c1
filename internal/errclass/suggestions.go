package errclass

var suggestions = map[Category][]string{
	NetworkError: {
		"Check your internet connection",
		"Retry the operation once the connection is stable",
	},
	AuthenticationError: {
		"Sign in again to refresh your credentials",
		"Make sure the calendar account is still connected",
	},
	RateLimitError: {
		"Wait a few minutes before retrying",
		"Split the operation into smaller batches",
	},
	ValidationError: {
		"Check the event data for missing or invalid fields",
		"Remove conflicting events and retry",
	},
	PermissionError: {
		"Ask the calendar owner for write access",
		"Choose a calendar you can edit",
	},
	QuotaError: {
		"Daily API quota is exhausted; retry tomorrow",
		"Reduce the number of events per operation",
	},
	ServerError: {
		"The calendar service is having problems; retry later",
	},
	UnknownError: {
		"Retry the operation",
		"Contact support if the problem persists",
	},
}

// Suggestions returns remediation text for a category. There is always at
// least one entry.
func Suggestions(c Category) []string {
	s, ok := suggestions[c]
	if !ok {
		s = suggestions[UnknownError]
	}

	return append([]string(nil), s...)
}
