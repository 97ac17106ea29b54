package twitter

// apiError is one entry of Twitter's error array. The v1.1 media API and
// the v2 API both use it, with different surrounding envelopes.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorEnvelope covers both the v1.1 {"errors":[...]} shape and the v2
// problem-details shape.
type errorEnvelope struct {
	Errors []apiError `json:"errors"`
	Title  string     `json:"title"`
	Detail string     `json:"detail"`
	Status int        `json:"status"`
}

type userResponse struct {
	Data struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"data"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// mediaUploadResponse is returned by the v1.1 chunked upload endpoint for
// INIT, FINALIZE and STATUS commands.
type mediaUploadResponse struct {
	MediaID        int64  `json:"media_id"`
	MediaIDString  string `json:"media_id_string"`
	Size           int64  `json:"size"`
	ProcessingInfo *struct {
		State           string `json:"state"` // pending, in_progress, succeeded, failed
		CheckAfterSecs  int    `json:"check_after_secs"`
		ProgressPercent int    `json:"progress_percent"`
		Error           *struct {
			Code    int    `json:"code"`
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"processing_info"`
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
	Poll  *tweetPoll  `json:"poll,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetPoll struct {
	Options         []string `json:"options"`
	DurationMinutes int      `json:"duration_minutes"`
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

type deleteResponse struct {
	Data struct {
		Deleted bool `json:"deleted"`
	} `json:"data"`
}

type metricsResponse struct {
	Data struct {
		ID            string `json:"id"`
		PublicMetrics struct {
			RetweetCount    int64 `json:"retweet_count"`
			ReplyCount      int64 `json:"reply_count"`
			LikeCount       int64 `json:"like_count"`
			QuoteCount      int64 `json:"quote_count"`
			BookmarkCount   int64 `json:"bookmark_count"`
			ImpressionCount int64 `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}
