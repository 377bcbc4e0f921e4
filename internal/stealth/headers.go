package stealth

// Fixed session identity.
const (
	Locale     = "en-US"
	TimezoneID = "Asia/Karachi"
	Latitude   = 33.6844
	Longitude  = 73.0479
	Platform   = "Win32"
)

// Headers returns the static header bundle attached to every request a
// session makes. The returned map is a fresh copy.
func Headers() map[string]string {
	return map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
		"Accept-Language":           "en-US,en;q=0.9",
		"Accept-Encoding":           "gzip, deflate, br",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Sec-Ch-Ua":                 `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
		"Sec-Ch-Ua-Mobile":          "?0",
		"Sec-Ch-Ua-Platform":        `"Windows"`,
		"Cache-Control":             "max-age=0",
		"DNT":                       "1",
	}
}
