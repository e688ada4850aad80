package provider

// ExtractMessageText searches Output for the first item of kind "message"
// and returns the text of its first text-bearing content fragment. The
// position of the message item is never assumed: reasoning traces and other
// non-textual items may precede it. ok is false when no message item with
// text exists, which callers treat as a per-entry soft failure.
func ExtractMessageText(output []OutputItem) (text string, ok bool) {
	for _, item := range output {
		if item.Type != "message" {
			continue
		}
		for _, frag := range item.Content {
			if frag.Text != "" {
				return frag.Text, true
			}
		}
		// a message item with no text fragments is still a miss;
		// keep scanning in case a later message carries text
	}
	return "", false
}

// TextFromEntry applies the extraction rule to a full result entry,
// rejecting entries that carry a provider-side error or a non-2xx
// sub-request status.
func TextFromEntry(entry ResultEntry) (string, bool) {
	if entry.Error != nil || entry.Response == nil {
		return "", false
	}
	if entry.Response.StatusCode != 0 && entry.Response.StatusCode/100 != 2 {
		return "", false
	}
	return ExtractMessageText(entry.Response.Body.Output)
}
