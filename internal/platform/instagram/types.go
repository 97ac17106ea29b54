package instagram

// graphError is the Graph API error envelope.
type graphError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// containerResponse is returned by POST /{ig-user-id}/media and by
// POST /{ig-user-id}/media_publish.
type containerResponse struct {
	ID string `json:"id"`
}

// containerStatus is the status poll result for a media container.
type containerStatus struct {
	ID         string `json:"id"`
	StatusCode string `json:"status_code"` // IN_PROGRESS, FINISHED, ERROR, EXPIRED
}

type mediaDetail struct {
	ID        string `json:"id"`
	Permalink string `json:"permalink"`
}

// insightsResponse is the /insights result: one entry per metric, each with
// a single lifetime value.
type insightsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value int64 `json:"value"`
		} `json:"values"`
	} `json:"data"`
}

// appUsage is the JSON payload of the x-app-usage response header. Values
// are percentages of the rolling budget already consumed.
type appUsage struct {
	CallCount    int `json:"call_count"`
	TotalCPUTime int `json:"total_cputime"`
	TotalTime    int `json:"total_time"`
}
