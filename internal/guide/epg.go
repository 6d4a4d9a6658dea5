package guide

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// regionTag marks the guide channels this relay carries. Upstream prefixes
// channel display names with their region between pipes.
const regionTag = "|US|"

type xmltvDoc struct {
	XMLName    xml.Name         `xml:"tv"`
	Channels   []xmltvChannel   `xml:"channel"`
	Programmes []xmltvProgramme `xml:"programme"`
}

type xmltvChannel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icons        []struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
}

type xmltvProgramme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Inner   string `xml:",innerxml"`
}

// Channel is a guide channel after filtering: its XMLTV id, cleaned display
// name, and logo URL when present.
type Channel struct {
	ID   string
	Name string
	Logo string
}

// cleanName strips the region tag and surrounding pipe decoration from a
// display name.
func cleanName(name string) string {
	cleaned := strings.ReplaceAll(name, regionTag, "")
	cleaned = strings.Trim(cleaned, "| ")
	return strings.TrimSpace(cleaned)
}

// FilterEPG parses an XMLTV document, keeps the channels carrying the region
// tag, and writes a reduced document containing those channels with cleaned
// names plus only their programmes.
func FilterEPG(r io.Reader, w io.Writer) ([]Channel, error) {
	var doc xmltvDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse epg: %w", err)
	}

	kept := make([]Channel, 0, len(doc.Channels))
	keptIDs := make(map[string]struct{})
	for _, ch := range doc.Channels {
		var matched string
		for _, name := range ch.DisplayNames {
			if strings.Contains(name, regionTag) {
				matched = cleanName(name)
				break
			}
		}
		if matched == "" {
			continue
		}
		channel := Channel{ID: ch.ID, Name: matched}
		if len(ch.Icons) > 0 {
			channel.Logo = ch.Icons[0].Src
		}
		kept = append(kept, channel)
		keptIDs[ch.ID] = struct{}{}
	}

	if _, err := io.WriteString(w, xml.Header+"<tv>\n"); err != nil {
		return nil, err
	}
	for _, ch := range kept {
		fmt.Fprintf(w, "  <channel id=%q>\n    <display-name>", ch.ID)
		if err := xml.EscapeText(w, []byte(ch.Name)); err != nil {
			return nil, err
		}
		io.WriteString(w, "</display-name>\n")
		if ch.Logo != "" {
			fmt.Fprintf(w, "    <icon src=%q/>\n", ch.Logo)
		}
		io.WriteString(w, "  </channel>\n")
	}
	for _, prog := range doc.Programmes {
		if _, ok := keptIDs[prog.Channel]; !ok {
			continue
		}
		fmt.Fprintf(w, "  <programme start=%q stop=%q channel=%q>%s</programme>\n",
			prog.Start, prog.Stop, prog.Channel, prog.Inner)
	}
	if _, err := io.WriteString(w, "</tv>\n"); err != nil {
		return nil, err
	}
	return kept, nil
}

// IDsByName indexes filtered channels for fuzzy assignment.
func IDsByName(channels []Channel) map[string]string {
	out := make(map[string]string, len(channels))
	for _, ch := range channels {
		out[ch.Name] = ch.ID
	}
	return out
}
